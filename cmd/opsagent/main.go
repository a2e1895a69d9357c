// Command opsagent runs the per-host monitoring, alerting, and
// agent-remediation process: it samples system metrics on a fixed
// interval, evaluates them against configured rules, tracks the
// resulting alerts and issues, and serves a REST+realtime dashboard over
// HTTP. See internal/bootstrap for the startup/shutdown sequence.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsagent/agent/internal/bootstrap"
)

func main() {
	configPath := flag.String("config", "", "path to opsagent.yaml (defaults to the standard search path)")
	dbPath := flag.String("db", "data/opsagent.db", "SQLite database path")
	addr := flag.String("addr", "", "dashboard listen address (overrides the config file's port)")
	debug := flag.Bool("debug", false, "enable debug logging")
	enableNATS := flag.Bool("nats", false, "start an embedded NATS server and bridge bus events onto it")
	natsPort := flag.Int("nats-port", 4222, "embedded NATS server port")
	natsDataDir := flag.String("nats-data", "data/nats", "embedded NATS JetStream data directory")
	flag.Parse()

	opts := bootstrap.Options{
		ConfigPath:      *configPath,
		DBPath:          *dbPath,
		Addr:            *addr,
		Debug:           *debug,
		VaultKeyHex:     os.Getenv("OPSAGENT_VAULT_KEY"),
		VaultPassphrase: os.Getenv("OPSAGENT_VAULT_PASSPHRASE"),
		LLMBaseURL:      os.Getenv("OPSAGENT_LLM_BASE_URL"),
		LLMAPIKey:       os.Getenv("OPSAGENT_LLM_API_KEY"),
		EnableNATS:      *enableNATS,
		NATSPort:        *natsPort,
		NATSDataDir:     *natsDataDir,
	}

	app, err := bootstrap.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opsagent: %v\n", err)
		os.Exit(1)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- app.Run()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-runErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "opsagent: server error: %v\n", err)
			os.Exit(1)
		}
	case <-shutdown:
		fmt.Println("opsagent: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "opsagent: shutdown error: %v\n", err)
			os.Exit(1)
		}
	}
}
