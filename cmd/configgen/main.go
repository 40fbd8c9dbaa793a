package main

import (
	"flag"
	"log"

	"github.com/danmuck/gfxqueue/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "daemon":
		return "cmd/gfxqueued/config.toml"
	case "queues":
		return "cmd/gfxqueued/queues.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := flag.String("kind", "daemon", "config kind: daemon|queues")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing queue profile file")
	input := flag.String("input", "", "config path for validation (defaults to the per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "queues" {
			log.Fatalf("validation supports -kind queues only; gfxqueued validates its own config on start")
		}
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.LoadQueues(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %d queue profiles at %s", len(cfg.Queues), path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
