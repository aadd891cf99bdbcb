package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

type KubernetesOrchestrator struct {
	Namespace string

	clientset kubernetes.Interface
	available bool
	inCluster bool
}

func (k *KubernetesOrchestrator) Initialize(ctx context.Context) error {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		k.inCluster = true
	} else {
		kubeconfig := clientcmd.NewDefaultClientConfigLoadingRules().GetDefaultFilename()
		if home := homedir.HomeDir(); home != "" && kubeconfig == "" {
			kubeconfig = home + "/.kube/config"
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return fmt.Errorf("k8s config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return fmt.Errorf("k8s clientset: %w", err)
	}
	k.clientset = clientset

	_, err = k.clientset.CoreV1().Namespaces().Get(ctx, k.ns(), metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("k8s namespace check: %w", err)
	}

	k.available = true
	return nil
}

func (k *KubernetesOrchestrator) IsAvailable(_ context.Context) bool {
	return k.available
}

func (k *KubernetesOrchestrator) BackendName() string {
	return "kubernetes"
}

func (k *KubernetesOrchestrator) ns() string {
	if k.Namespace == "" {
		return "wa-sessions"
	}
	return k.Namespace
}

func (k *KubernetesOrchestrator) CreateRuntime(ctx context.Context, params CreateParams) error {
	ns := k.ns()

	dep, err := buildDeployment(params, ns)
	if err != nil {
		return err
	}
	if _, err := k.clientset.AppsV1().Deployments(ns).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}

	svc := buildService(params.Name, ns, eventsPort(params))
	if _, err := k.clientset.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		if delErr := k.clientset.AppsV1().Deployments(ns).Delete(context.Background(), params.Name, metav1.DeleteOptions{}); delErr != nil {
			log.Printf("[orchestrator] Delete deployment %s after failed service create: %v", params.Name, delErr)
		}
		return fmt.Errorf("create service: %w", err)
	}
	return nil
}

func (k *KubernetesOrchestrator) DeleteRuntime(ctx context.Context, name string) error {
	ns := k.ns()

	propagation := metav1.DeletePropagationForeground
	err := k.clientset.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil {
		if errors.IsNotFound(err) {
			return ErrRuntimeNotFound
		}
		return fmt.Errorf("delete deployment: %w", err)
	}
	if err := k.clientset.CoreV1().Services(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}
	return nil
}

func deploymentStatus(dep *appsv1.Deployment) RuntimeStatus {
	if dep.Spec.Replicas != nil && *dep.Spec.Replicas == 0 {
		return StatusStopped
	}
	if dep.Status.ReadyReplicas > 0 {
		return StatusRunning
	}
	return StatusStopped
}

func (k *KubernetesOrchestrator) GetRuntimeStatus(ctx context.Context, name string) (RuntimeStatus, error) {
	dep, err := k.clientset.AppsV1().Deployments(k.ns()).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return StatusMissing, nil
		}
		return "", fmt.Errorf("get deployment: %w", err)
	}
	return deploymentStatus(dep), nil
}

func (k *KubernetesOrchestrator) ListRuntimes(ctx context.Context) ([]RuntimeInfo, error) {
	deps, err := k.clientset.AppsV1().Deployments(k.ns()).List(ctx, metav1.ListOptions{
		LabelSelector: managedByKey + "=" + managedByValue,
	})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	out := make([]RuntimeInfo, 0, len(deps.Items))
	for i := range deps.Items {
		dep := &deps.Items[i]
		out = append(out, RuntimeInfo{
			Name:    dep.Name,
			UserID:  dep.Annotations[labelUserID],
			WorkDir: dep.Annotations[labelWorkDir],
			Status:  deploymentStatus(dep),
		})
	}
	return out, nil
}

func (k *KubernetesOrchestrator) GetEventsURL(ctx context.Context, name string) (string, error) {
	dep, err := k.clientset.AppsV1().Deployments(k.ns()).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return "", ErrRuntimeNotFound
		}
		return "", fmt.Errorf("get deployment: %w", err)
	}
	port := strconv.Itoa(defaultEventsPort)
	if p := dep.Annotations[labelEventsPort]; p != "" {
		port = p
	}
	return fmt.Sprintf("ws://%s.%s.svc.cluster.local:%s/events", name, k.ns(), port), nil
}

// User ids and paths are not valid label values, so they live in
// annotations; labels only carry selectors.
func buildDeployment(params CreateParams, ns string) (*appsv1.Deployment, error) {
	replicas := int32(1)
	port := int32(eventsPort(params))
	hostPathType := corev1.HostPathDirectoryOrCreate

	envVars := []corev1.EnvVar{{Name: "USER_ID", Value: params.UserID}}
	keys := make([]string, 0, len(params.Env))
	for k := range params.Env {
		if k != "USER_ID" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: params.Env[k]})
	}

	limits := corev1.ResourceList{}
	if params.CPULimit != "" {
		q, err := resource.ParseQuantity(params.CPULimit)
		if err != nil {
			return nil, fmt.Errorf("cpu limit %q: %w", params.CPULimit, err)
		}
		limits[corev1.ResourceCPU] = q
	}
	if params.MemoryLimit != "" {
		q, err := resource.ParseQuantity(params.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("memory limit %q: %w", params.MemoryLimit, err)
		}
		limits[corev1.ResourceMemory] = q
	}

	labels := runtimeLabels(params)
	labels["app"] = params.Name
	annotations := map[string]string{
		labelUserID:     params.UserID,
		labelWorkDir:    params.WorkDir,
		labelEventsPort: strconv.Itoa(int(port)),
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        params.Name,
			Namespace:   ns,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Strategy: appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType},
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": params.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyAlways,
					Containers: []corev1.Container{{
						Name:  "client",
						Image: params.Image,
						Ports: []corev1.ContainerPort{
							{Name: "events", ContainerPort: port},
						},
						Env:       envVars,
						Resources: corev1.ResourceRequirements{Limits: limits},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "session", MountPath: params.MountPath},
						},
						ReadinessProbe: &corev1.Probe{
							ProbeHandler:        corev1.ProbeHandler{TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(port)}},
							InitialDelaySeconds: 5,
							PeriodSeconds:       10,
						},
					}},
					Volumes: []corev1.Volume{
						{Name: "session", VolumeSource: corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{Path: params.WorkDir, Type: &hostPathType}}},
					},
				},
			},
		},
	}, nil
}

func buildService(name, ns string, port int) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    map[string]string{managedByKey: managedByValue},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: map[string]string{"app": name},
			Ports: []corev1.ServicePort{
				{Name: "events", Port: int32(port), TargetPort: intstr.FromInt32(int32(port)), Protocol: corev1.ProtocolTCP},
			},
		},
	}
}

var _ RuntimeOrchestrator = (*KubernetesOrchestrator)(nil)
