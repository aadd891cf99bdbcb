package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRuntimeProfile_Empty(t *testing.T) {
	p, err := LoadRuntimeProfile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Image != "" || len(p.Env) != 0 {
		t.Errorf("expected empty profile, got %+v", p)
	}
}

func TestLoadRuntimeProfile_ParsesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	body := `image: whatsapp-client:1.2
cpu_limit: 500m
memory_limit: 1Gi
env:
  TZ: Asia/Almaty
labels:
  team: sales
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	p, err := LoadRuntimeProfile(path)
	if err != nil {
		t.Fatalf("LoadRuntimeProfile: %v", err)
	}
	if p.Image != "whatsapp-client:1.2" {
		t.Errorf("Image = %q", p.Image)
	}
	if p.CPULimit != "500m" || p.MemoryLimit != "1Gi" {
		t.Errorf("limits = %q/%q", p.CPULimit, p.MemoryLimit)
	}
	if p.Env["TZ"] != "Asia/Almaty" {
		t.Errorf("Env[TZ] = %q", p.Env["TZ"])
	}
	if p.Labels["team"] != "sales" {
		t.Errorf("Labels[team] = %q", p.Labels["team"])
	}
}

func TestLoadRuntimeProfile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("env: [unterminated"), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := LoadRuntimeProfile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Minute, time.Minute},
		{"15s", time.Minute, 15 * time.Second},
		{"bogus", time.Minute, time.Minute},
		{"-5s", time.Minute, time.Minute},
	}
	for _, tt := range tests {
		if got := Duration(tt.in, tt.def); got != tt.want {
			t.Errorf("Duration(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
