package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gfxqueue/internal/config"
	"github.com/danmuck/gfxqueue/internal/daemon"
	"github.com/danmuck/gfxqueue/internal/protocol/session"
)

type fileConfig struct {
	ID                  string   `toml:"id"`
	ListenAddr          string   `toml:"listen_addr"`
	DiagAddr            string   `toml:"diag_addr"`
	CorsOrigins         []string `toml:"cors_origins"`
	VsyncInterval       string   `toml:"vsync_interval"`
	HeartbeatInterval   string   `toml:"heartbeat_interval"`
	QueuesPath          string   `toml:"queues_path"`
	MemoryBudgetBytes   int64    `toml:"memory_budget_bytes"`
	DemoProducer        bool     `toml:"demo_producer"`
	DemoQueue           string   `toml:"demo_queue"`
	LogLevel            string   `toml:"log_level"`
	AuthToken           string   `toml:"auth_token"`
	SessionSecurityMode string   `toml:"session_security_mode"`
	SessionTLSEnabled   bool     `toml:"session_tls_enabled"`
	SessionTLSMutual    bool     `toml:"session_tls_mutual"`
	SessionTLSCertFile  string   `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string   `toml:"session_tls_key_file"`
	SessionTLSCAFile    string   `toml:"session_tls_ca_file"`
}

type serviceConfig struct {
	Daemon   daemon.Config
	LogLevel string
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{Daemon: daemon.DefaultConfig(), LogLevel: "info"}
}

// loadServiceConfig overlays the keys defined in path onto the defaults. A
// relative queues_path is resolved against the config file directory.
func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load gfxqueued config: %w", err)
	}
	d := &cfg.Daemon

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			d.ID = id
		}
	}
	if meta.IsDefined("listen_addr") {
		d.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("diag_addr") {
		d.DiagAddr = strings.TrimSpace(raw.DiagAddr)
	}
	if meta.IsDefined("cors_origins") {
		d.CORSOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("vsync_interval") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.VsyncInterval))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse vsync_interval: %w", err)
		}
		d.VsyncInterval = v
	}
	if meta.IsDefined("heartbeat_interval") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		d.HeartbeatInterval = v
	}
	if meta.IsDefined("memory_budget_bytes") {
		if raw.MemoryBudgetBytes < 0 {
			return serviceConfig{}, fmt.Errorf("memory_budget_bytes must not be negative")
		}
		d.MemoryBudgetBytes = uint64(raw.MemoryBudgetBytes)
	}
	if meta.IsDefined("demo_producer") {
		d.DemoProducer = raw.DemoProducer
	}
	if meta.IsDefined("demo_queue") {
		d.DemoQueue = strings.TrimSpace(raw.DemoQueue)
	}
	if meta.IsDefined("auth_token") {
		d.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("queues_path") {
		queuesPath := strings.TrimSpace(raw.QueuesPath)
		if queuesPath != "" && !filepath.IsAbs(queuesPath) {
			queuesPath = filepath.Join(filepath.Dir(path), queuesPath)
		}
		queues, err := config.LoadQueues(queuesPath)
		if err != nil {
			return serviceConfig{}, err
		}
		d.Queues = queues
	}

	if meta.IsDefined("session_security_mode") {
		d.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		d.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		d.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		d.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		d.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		d.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	d.Session = d.Session.WithDefaults()
	if err := d.Session.ValidateServerTransport(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
