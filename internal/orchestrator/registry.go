package orchestrator

import (
	"context"
	"fmt"
	"log"
)

type Options struct {
	// Backend is "auto", "kubernetes" or "docker".
	Backend     string
	DockerHost  string
	Namespace   string
	StopTimeout int
}

// New connects to the configured backend. With "auto" Kubernetes is tried
// first, then Docker.
func New(ctx context.Context, opts Options) (RuntimeOrchestrator, error) {
	backend := opts.Backend
	if backend == "" {
		backend = "auto"
	}

	if backend == "auto" || backend == "kubernetes" {
		k8s := &KubernetesOrchestrator{Namespace: opts.Namespace}
		if err := k8s.Initialize(ctx); err == nil && k8s.IsAvailable(ctx) {
			log.Println("[orchestrator] using Kubernetes backend")
			return k8s, nil
		} else if err != nil {
			log.Printf("[orchestrator] Kubernetes backend unavailable: %v", err)
		}
	}

	if backend == "auto" || backend == "docker" {
		docker := &DockerOrchestrator{Host: opts.DockerHost, StopTimeout: opts.StopTimeout}
		if err := docker.Initialize(ctx); err == nil && docker.IsAvailable(ctx) {
			log.Println("[orchestrator] using Docker backend")
			return docker, nil
		} else if err != nil {
			log.Printf("[orchestrator] Docker backend unavailable: %v", err)
		}
	}

	log.Println("[orchestrator] WARNING: No orchestrator backend available")
	return nil, fmt.Errorf("no orchestrator backend available (tried: %s)", backend)
}
