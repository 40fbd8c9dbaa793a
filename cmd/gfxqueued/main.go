package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/gfxqueue/internal/daemon"
	"github.com/danmuck/gfxqueue/internal/logging"
	"github.com/danmuck/gfxqueue/internal/observability"
	"github.com/rs/zerolog"
)

func main() {
	path := flag.String("config", "", "daemon config path (toml); defaults apply when empty")
	flag.Parse()

	logger := observability.InitLogger("gfxqueued")

	cfg := defaultServiceConfig()
	if *path != "" {
		loaded, err := loadServiceConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gfxqueued: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	applyLogLevel(cfg.LogLevel)

	svc, err := daemon.NewService(cfg.Daemon)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gfxqueued: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Str("config", *path).Msg("starting")
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "gfxqueued: %v\n", err)
		os.Exit(1)
	}
}

// applyLogLevel sets the configured level unless the environment already
// chose one.
func applyLogLevel(raw string) {
	if strings.TrimSpace(os.Getenv(logging.EnvLogLevel)) != "" {
		return
	}
	if level, ok := logging.ParseLevel(raw); ok {
		zerolog.SetGlobalLevel(level)
	}
}
