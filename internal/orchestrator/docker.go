package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
)

const networkName = "wa-sessions"

type DockerOrchestrator struct {
	// Host overrides DOCKER_HOST from the environment when set.
	Host string
	// StopTimeout is the grace period in seconds given to a runtime on delete.
	StopTimeout int

	client    *dockerclient.Client
	available bool
}

func (d *DockerOrchestrator) Initialize(ctx context.Context) error {
	var opts []dockerclient.Opt
	opts = append(opts, dockerclient.FromEnv)
	opts = append(opts, dockerclient.WithAPIVersionNegotiation())
	if d.Host != "" {
		opts = append(opts, dockerclient.WithHost(d.Host))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	_, err = d.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	d.available = true
	log.Println("[orchestrator] Docker daemon connected")
	return nil
}

func (d *DockerOrchestrator) ensureNetwork(ctx context.Context) error {
	_, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{managedByKey: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	log.Printf("[orchestrator] Created Docker network: %s", networkName)
	return nil
}

func (d *DockerOrchestrator) IsAvailable(_ context.Context) bool {
	return d.available
}

func (d *DockerOrchestrator) BackendName() string {
	return "docker"
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		n, _ := strconv.ParseInt(cpuStr[:len(cpuStr)-1], 10, 64)
		return n * 1_000_000
	}
	f, _ := strconv.ParseFloat(cpuStr, 64)
	return int64(f * 1_000_000_000)
}

func (d *DockerOrchestrator) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("[orchestrator] Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	log.Printf("[orchestrator] Image %s pulled successfully", img)
	return nil
}

func dockerEnv(params CreateParams) []string {
	env := []string{"USER_ID=" + params.UserID}
	keys := make([]string, 0, len(params.Env))
	for k := range params.Env {
		if k != "USER_ID" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+params.Env[k])
	}
	return env
}

func buildContainerConfig(params CreateParams) (*container.Config, *container.HostConfig, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(eventsPort(params)))
	if err != nil {
		return nil, nil, fmt.Errorf("events port: %w", err)
	}

	labels := runtimeLabels(params)
	labels[labelUserID] = params.UserID
	labels[labelWorkDir] = params.WorkDir
	labels[labelEventsPort] = port.Port()

	var memLimit int64
	if params.MemoryLimit != "" {
		memLimit, err = units.RAMInBytes(params.MemoryLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("memory limit %q: %w", params.MemoryLimit, err)
		}
	}
	var nanoCPUs int64
	if params.CPULimit != "" {
		nanoCPUs = parseCPUToNanoCPUs(params.CPULimit)
	}

	containerCfg := &container.Config{
		Image:        params.Image,
		Env:          dockerEnv(params),
		Labels:       labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: params.WorkDir, Target: params.MountPath},
		},
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memLimit,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
	}
	return containerCfg, hostCfg, nil
}

func (d *DockerOrchestrator) CreateRuntime(ctx context.Context, params CreateParams) error {
	if err := d.ensureImage(ctx, params.Image); err != nil {
		return err
	}

	containerCfg, hostCfg, err := buildContainerConfig(params)
	if err != nil {
		return err
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, params.Name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// A created but unstarted container would block the next attempt on
		// its name.
		if rmErr := d.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Printf("[orchestrator] Remove unstarted container %s: %v", params.Name, rmErr)
		}
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (d *DockerOrchestrator) DeleteRuntime(ctx context.Context, name string) error {
	timeout := d.StopTimeout
	if timeout <= 0 {
		timeout = 30
	}
	if err := d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return ErrRuntimeNotFound
		}
		log.Printf("[orchestrator] Stop container %s: %v", name, err)
	}
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func dockerStatus(state string) RuntimeStatus {
	switch state {
	case "running", "restarting":
		return StatusRunning
	default:
		return StatusStopped
	}
}

func (d *DockerOrchestrator) GetRuntimeStatus(ctx context.Context, name string) (RuntimeStatus, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return StatusMissing, nil
		}
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil {
		return StatusStopped, nil
	}
	return dockerStatus(inspect.State.Status), nil
}

func (d *DockerOrchestrator) ListRuntimes(ctx context.Context) ([]RuntimeInfo, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByKey+"="+managedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]RuntimeInfo, 0, len(list))
	for _, c := range list {
		if len(c.Names) == 0 {
			continue
		}
		out = append(out, RuntimeInfo{
			Name:    strings.TrimPrefix(c.Names[0], "/"),
			UserID:  c.Labels[labelUserID],
			WorkDir: c.Labels[labelWorkDir],
			Status:  dockerStatus(c.State),
		})
	}
	return out, nil
}

func (d *DockerOrchestrator) GetEventsURL(ctx context.Context, name string) (string, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return "", ErrRuntimeNotFound
		}
		return "", fmt.Errorf("inspect container: %w", err)
	}

	port := strconv.Itoa(defaultEventsPort)
	if inspect.Config != nil && inspect.Config.Labels[labelEventsPort] != "" {
		port = inspect.Config.Labels[labelEventsPort]
	}
	if inspect.NetworkSettings != nil {
		for _, net := range inspect.NetworkSettings.Networks {
			if net.IPAddress != "" {
				return fmt.Sprintf("ws://%s:%s/events", net.IPAddress, port), nil
			}
		}
	}
	return "", fmt.Errorf("cannot determine container IP for %s", name)
}

var _ RuntimeOrchestrator = (*DockerOrchestrator)(nil)
