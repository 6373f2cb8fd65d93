// Command telos runs a TelOS core as an interactive textual command
// surface: each line read from stdin is one command from spec.md §6's
// command table, and the result is printed to stdout.
//
// Grounded on cmd/agentd/main.go's bootstrap sequence: load .env, init
// the logger, load config, init OpenTelemetry, then wire the
// application and serve — adapted here from an HTTP/SSE server loop to
// a synchronous stdin/stdout command loop.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"telos/internal/config"
	"telos/internal/logging"
	"telos/internal/telos"
)

func main() {
	configPath := flag.String("config", "", "path to an optional telos.yaml config file")
	flag.Parse()

	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telos: failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Init(cfg.LogPath, cfg.LogLevel)

	ctx := context.Background()
	core, err := telos.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telos core")
	}
	defer func() {
		if err := core.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	log.Info().Str("wal_path", cfg.WALPath).Int("hv_dimension", cfg.HVDimension).Msg("telos core ready")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "run.exit") {
			reason := strings.TrimSpace(strings.TrimPrefix(line, "run.exit"))
			log.Info().Str("reason", reason).Msg("graceful shutdown requested")
			fmt.Println("ok")
			return
		}
		result := core.Dispatch(ctx, line)
		fmt.Println(result)
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("stdin scan failed")
		os.Exit(1)
	}
}
