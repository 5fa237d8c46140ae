package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/NicolasHaas/rally/pkg/logging"
	"github.com/NicolasHaas/rally/pkg/server"
	"github.com/NicolasHaas/rally/pkg/version"
)

func main() {
	configFile := flag.String("config", "", "YAML config file (optional; RALLY_* env vars override)")
	httpAddr := flag.String("http", "", "HTTP bind address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database file path (overrides config)")
	storeKind := flag.String("store", "", "Store backend: sqlite or memory (overrides config)")
	seedFile := flag.String("seed-file", "", "YAML file with users, queues and cooldowns to import on startup")
	exclusive := flag.Bool("exclusive-joins", false, "Reject joins atomically when the user is already in a party")
	exportParties := flag.Bool("export-parties", false, "Export all parties as YAML and exit")
	exportUsers := flag.Bool("export-users", false, "Export all users as YAML and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	cfg, err := server.LoadConfig(*configFile)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *storeKind != "" {
		cfg.Store = *storeKind
	}
	if *seedFile != "" {
		cfg.SeedFile = *seedFile
	}
	if *exclusive {
		cfg.ExclusiveJoins = true
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Handle export commands (run and exit)
	if *exportParties || *exportUsers {
		if err := export(ctx, cfg, *exportParties, *exportUsers); err != nil {
			slog.Error("export", "err", err)
			os.Exit(1)
		}
		return
	}

	srv, err := server.Open(ctx, cfg)
	if err != nil {
		slog.Error("start server", "err", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func export(ctx context.Context, cfg server.Config, parties, users bool) error {
	st, err := server.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if parties {
		data, err := server.ExportPartiesYAML(ctx, st)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	}
	if users {
		data, err := server.ExportUsersYAML(ctx, st)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	}
	return nil
}
