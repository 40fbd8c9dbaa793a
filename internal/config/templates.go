package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		return daemonTemplate, nil
	case "queues":
		return queuesTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `listen_addr = "127.0.0.1:7300"
diag_addr = "127.0.0.1:7380"
cors_origins = ["http://localhost:3000"]
vsync_interval = "16ms"
queues_path = "queues.toml"
memory_budget_bytes = 268435456
demo_producer = false
log_level = "info"
# auth_token = "change-me"
`

const queuesTemplate = `[[queue]]
name = "main"
default_width = 640
default_height = 480
default_format = "rgba8"
max_buffer_count = 3
max_acquired_buffers = 1
consumer_controlled_by_app = false
consumer_usage = ["texture_binding"]

[[queue]]
name = "overlay"
default_width = 320
default_height = 240
default_format = "bgra8"
max_buffer_count = 2
disable_async_buffer = true
# auth_token = "overlay-only"
`
