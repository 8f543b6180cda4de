package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chrisdennis/calcite-avatica/pkg/common/config"
	"github.com/chrisdennis/calcite-avatica/pkg/common/logger"
	"github.com/chrisdennis/calcite-avatica/pkg/engine"
	"github.com/chrisdennis/calcite-avatica/pkg/engine/memengine"
	"github.com/chrisdennis/calcite-avatica/pkg/engine/sqlengine"
	"github.com/chrisdennis/calcite-avatica/pkg/session"
	"github.com/chrisdennis/calcite-avatica/pkg/transport"
)

var (
	configFile string
)

func init() {
	flag.StringVar(&configFile, "config", "configs/gateway.yaml", "configuration file path")
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		// fall back to defaults when no config file is present
		if _, statErr := os.Stat(configFile); statErr != nil {
			cfg = config.NewDefaultConfig()
		} else {
			fmt.Printf("loading config: %v\n", err)
			os.Exit(1)
		}
	}

	config.SetCurrentConfig(cfg)

	if err := logger.Init(logger.Config{
		Level:    cfg.Log.Level,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Printf("initializing logging: %v\n", err)
		os.Exit(1)
	}

	logger.Info("gateway starting")

	var eng engine.Engine
	switch cfg.Engine.Type {
	case "", "memory":
		logger.Info("using in-memory engine")
		eng = memengine.New()
	case "sqlite":
		dsn := cfg.Engine.DSN
		if dsn == "" {
			dsn = "file:gateway.db?cache=shared"
		}
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			logger.Error("opening sqlite: " + err.Error())
			os.Exit(1)
		}
		eng = sqlengine.New(db, sqlengine.Options{Product: "sqlite", Version: "3"})
	default:
		logger.Error("unsupported engine type: " + cfg.Engine.Type)
		os.Exit(1)
	}
	defer eng.Close()

	store := session.NewStore(eng, session.Options{
		MaxConnections: cfg.Session.MaxConnections,
		MaxStatements:  cfg.Session.MaxStatements,
		ConnectionIdle: time.Duration(cfg.Session.ConnectionIdleSec) * time.Second,
		StatementIdle:  time.Duration(cfg.Session.StatementIdleSec) * time.Second,
	})
	defer store.Close()

	server := transport.NewServer(transport.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		MaxHeaderBytes:   cfg.Server.MaxHeaderBytes,
		GracefulShutdown: time.Duration(cfg.Server.GracefulShutdownSec) * time.Second,
	}, store)

	if err := server.Start(); err != nil {
		logger.Error("starting server: " + err.Error())
		os.Exit(1)
	}

	logger.Info(fmt.Sprintf("gateway serving at %s (engine=%s)",
		server.Service().ServerAddress(), cfg.Engine.Type))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if err := server.Stop(); err != nil {
		logger.Error("stopping server: " + err.Error())
	}
	logger.Info("gateway stopped")
}
