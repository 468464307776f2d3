package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"tg-event-radar/internal/adapters/mtproto"
	"tg-event-radar/internal/infra/config"
)

func main() {
	var filePath string
	flag.StringVar(&filePath, "file", "", "Path to MTProto session file (gotd JSON or Telethon)")
	flag.Parse()

	if filePath == "" {
		log.Fatal().Msg("session-import: path to session file is required (-file)")
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("session-import: failed to read session file")
	}

	cfg := config.Load()
	manager := mtproto.NewSessionManager(cfg.SessionFile)

	converted, err := manager.Import(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("session-import: unsupported MTProto session format")
	}

	if converted {
		fmt.Println("Session was converted to gotd JSON format before storing")
	}
	fmt.Printf("Stored MTProto session at %s\n", cfg.SessionFile)
}
