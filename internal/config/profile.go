package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuntimeProfile holds operator-provided defaults applied to every session
// runtime. It is loaded from the optional RUNTIME_PROFILE YAML file.
type RuntimeProfile struct {
	Image       string            `yaml:"image"`
	CPULimit    string            `yaml:"cpu_limit"`
	MemoryLimit string            `yaml:"memory_limit"`
	Env         map[string]string `yaml:"env"`
	Labels      map[string]string `yaml:"labels"`
}

// LoadRuntimeProfile reads a profile from path. An empty path yields an
// empty profile.
func LoadRuntimeProfile(path string) (RuntimeProfile, error) {
	var p RuntimeProfile
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read runtime profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse runtime profile %s: %w", path, err)
	}
	return p, nil
}
