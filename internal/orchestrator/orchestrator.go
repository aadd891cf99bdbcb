package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/zeebo/blake3"
)

// RuntimeOrchestrator is the thin abstraction over the container backend
// that runs one messaging-client runtime per user.
type RuntimeOrchestrator interface {
	Initialize(ctx context.Context) error
	IsAvailable(ctx context.Context) bool
	BackendName() string

	// Lifecycle
	CreateRuntime(ctx context.Context, params CreateParams) error
	DeleteRuntime(ctx context.Context, name string) error
	GetRuntimeStatus(ctx context.Context, name string) (RuntimeStatus, error)
	ListRuntimes(ctx context.Context) ([]RuntimeInfo, error)

	// GetEventsURL returns the websocket URL of the runtime's event stream.
	GetEventsURL(ctx context.Context, name string) (string, error)
}

// RuntimeStatus is the infrastructure liveness of a runtime, independent of
// whether the messaging session inside it is authenticated.
type RuntimeStatus string

const (
	StatusRunning RuntimeStatus = "running"
	StatusStopped RuntimeStatus = "stopped"
	StatusMissing RuntimeStatus = "missing"
)

var ErrRuntimeNotFound = errors.New("runtime not found")

type CreateParams struct {
	Name    string
	UserID  string
	Image   string
	WorkDir string // host directory holding the session credentials
	// MountPath is where WorkDir appears inside the runtime.
	MountPath   string
	EventsPort  int
	Env         map[string]string
	Labels      map[string]string
	CPULimit    string
	MemoryLimit string
}

// RuntimeInfo describes a runtime found on the backend, including ones
// created before the control plane last restarted.
type RuntimeInfo struct {
	Name    string        `json:"name"`
	UserID  string        `json:"userId"`
	WorkDir string        `json:"workDir"`
	Status  RuntimeStatus `json:"status"`
}

const (
	managedByKey   = "managed-by"
	managedByValue = "wa-sessions"

	labelUserID     = "wa-sessions/user-id"
	labelWorkDir    = "wa-sessions/work-dir"
	labelEventsPort = "wa-sessions/events-port"

	defaultEventsPort = 3000
	runtimePrefix     = "whatsapp-"
	maxNameLength     = 63
)

// RuntimeName derives the backend object name for a user's runtime. The
// result is a valid DNS label; ids that need rewriting get a hash suffix so
// distinct users never share a name.
func RuntimeName(userID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(userID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	base := strings.Trim(b.String(), "-")

	if base == userID && len(runtimePrefix)+len(base) <= maxNameLength {
		return runtimePrefix + base
	}
	sum := blake3.Sum256([]byte(userID))
	suffix := hex.EncodeToString(sum[:4])
	room := maxNameLength - len(runtimePrefix) - len(suffix) - 1
	if len(base) > room {
		base = strings.Trim(base[:room], "-")
	}
	if base == "" {
		return runtimePrefix + suffix
	}
	return runtimePrefix + base + "-" + suffix
}

func runtimeLabels(params CreateParams) map[string]string {
	labels := make(map[string]string, len(params.Labels)+1)
	for k, v := range params.Labels {
		labels[k] = v
	}
	labels[managedByKey] = managedByValue
	return labels
}

func eventsPort(params CreateParams) int {
	if params.EventsPort > 0 {
		return params.EventsPort
	}
	return defaultEventsPort
}
