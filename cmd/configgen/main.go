package main

import (
	"flag"

	"github.com/danmuck/mdreactor/internal/config"
	"github.com/danmuck/mdreactor/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", "consumer", "config kind: consumer|provider")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing runtime config file")
	input := flag.String("input", "", "config path for validation (defaults to the per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()
	logging.ConfigureRuntime()

	path := *output
	if *validate {
		path = *input
	}
	if path == "" {
		path = "cmd/tunnelctl/" + *kind + ".runtime.toml"
	}

	if *validate {
		if _, err := config.Load(path); err != nil {
			log.Fatal().Err(err).Msg("config invalid")
		}
		log.Info().Str("path", path).Msg("runtime config valid")
		return
	}

	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal().Err(err).Msg("write template failed")
	}
	log.Info().Str("kind", *kind).Str("path", path).Msg("config template written")
}
