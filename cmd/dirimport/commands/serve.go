package commands

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/portalis/dirimport/config"
	"github.com/portalis/dirimport/directory"
	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/logger"
	"github.com/portalis/dirimport/server"
	"github.com/portalis/dirimport/session"
)

// ServeCmd starts the import API server with all attach transports
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the import API and progress transports",
	Long: `Launch the HTTP API for starting, inspecting, and cancelling import
sessions, the SSE and WebSocket progress streams, and the raw TCP socket
transport. Sessions and per-record outcomes are persisted to SQLite.`,
	RunE: runServe,
}

var (
	serveListenAddr string
	serveSocketAddr string
	serveDBPath     string
)

func init() {
	ServeCmd.Flags().StringVar(&serveListenAddr, "listen", "", "HTTP listen address (overrides config)")
	ServeCmd.Flags().StringVar(&serveSocketAddr, "socket", "", "Raw TCP socket address (overrides config, empty disables)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "SQLite database path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}
	if cmd.Flags().Changed("socket") {
		cfg.Server.SocketAddr = serveSocketAddr
	}
	if serveDBPath != "" {
		cfg.Database.Path = serveDBPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.Named("serve")

	db, err := sql.Open("sqlite3", cfg.Database.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to open database %s", cfg.Database.Path)
	}
	defer db.Close()
	if err := session.InitSchema(db); err != nil {
		return err
	}
	store := session.NewStore(db)

	client := directory.NewClient(directory.Config{
		BaseURL:       cfg.Directory.BaseURL,
		EnvironmentID: cfg.Directory.EnvironmentID,
		APIToken:      cfg.Directory.APIToken,
		Timeout:       cfg.Directory.Timeout,
	}, logger.Logger)

	registry := session.NewRegistry(cfg.Import.RetentionWindow, logger.Logger)
	runner := session.NewRunner(session.RunnerConfig{
		DefaultPopulationID: cfg.Import.DefaultPopulationID,
		RequestsPerMinute:   cfg.Import.RequestsPerMinute,
		RetryLimit:          cfg.Import.RetryLimit,
		BackoffBase:         cfg.Import.BackoffBase,
	}, client, store, logger.Logger)

	srv := server.New(cfg, registry, runner, store, logger.Logger)
	if err := srv.Start(); err != nil {
		return err
	}

	log.Infow("dirimport serving",
		"listen_addr", cfg.Server.ListenAddr,
		"socket_addr", cfg.Server.SocketAddr,
		"database", cfg.Database.Path,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// loadConfig reads the configuration honoring the persistent --config flag
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
