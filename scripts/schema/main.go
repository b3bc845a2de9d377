package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/mahaj/roomcast/pkg/config"
	"github.com/mahaj/roomcast/pkg/db"
	"github.com/mahaj/roomcast/pkg/logging"
)

func main() {
	drop := flag.Bool("drop", false, "drop the messages table instead of creating it")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	logger, logFile, err := logging.New(cfg.LogLevel, "")
	if err != nil {
		slog.Error("Logger setup failed", "error", err)
		os.Exit(2)
	}
	defer logFile.Close()

	if *drop {
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace, cfg.ScyllaTimeout, logger)
		if err != nil {
			logger.Error("Failed to connect to ScyllaDB", "error", err)
			os.Exit(1)
		}
		defer session.Close()

		logger.Info("Dropping table messages...")
		if err := session.Query("DROP TABLE IF EXISTS messages").Exec(); err != nil {
			logger.Error("Failed to drop table", "error", err)
			os.Exit(1)
		}
		logger.Info("Table dropped successfully")
		return
	}

	session, err := db.Bootstrap(cfg.ScyllaHosts, cfg.ScyllaKeyspace, cfg.ScyllaTimeout, logger)
	if err != nil {
		logger.Error("Failed to bootstrap schema", "error", err)
		os.Exit(1)
	}
	session.Close()
	logger.Info("Schema ready", "keyspace", cfg.ScyllaKeyspace)
}
