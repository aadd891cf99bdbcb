package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/sessions.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// Runtime backend settings
	RuntimeBackend      string `envconfig:"RUNTIME_BACKEND" default:"auto"`
	DockerHost          string `envconfig:"DOCKER_HOST" default:""`
	K8sNamespace        string `envconfig:"K8S_NAMESPACE" default:"wa-sessions"`
	RuntimeImage        string `envconfig:"RUNTIME_IMAGE" default:"whatsapp-client:latest"`
	RuntimeSessionMount string `envconfig:"RUNTIME_SESSION_MOUNT" default:"/app/.wwebjs_auth"`
	RuntimeEventsPort   int    `envconfig:"RUNTIME_EVENTS_PORT" default:"3000"`
	RuntimeProfile      string `envconfig:"RUNTIME_PROFILE" default:""`

	// Session persistence settings
	SaveInterval    string   `envconfig:"SAVE_INTERVAL" default:"60s"`
	StoreTimeout    string   `envconfig:"STORE_TIMEOUT" default:"30s"`
	StartTimeout    string   `envconfig:"START_TIMEOUT" default:"120s"`
	StopTimeout     string   `envconfig:"STOP_TIMEOUT" default:"30s"`
	RequiredEntries []string `envconfig:"REQUIRED_ENTRIES" default:""`
	EncryptionKey   string   `envconfig:"ENCRYPTION_SECRET" default:""`

	// Observers
	ReadyWebhookURL string   `envconfig:"READY_WEBHOOK_URL" default:""`
	UserHeader      string   `envconfig:"USER_HEADER" default:"X-User-ID"`
	SubscriberQueue int      `envconfig:"SUBSCRIBER_QUEUE" default:"16"`
	AllowedOrigins  []string `envconfig:"ALLOWED_ORIGINS" default:"localhost:5173,localhost:3001"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("WASESSIONS", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Duration parses one of the duration settings, falling back to def when
// the value is empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Printf("WARNING: invalid duration %q, using %s", value, def)
		return def
	}
	return d
}
