package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"capstan/internal/config"
	"capstan/internal/daemon"
	"capstan/internal/ipc"
	"capstan/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	socketPath := flag.String("socket", "", "override the control socket path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stderr", cfg.LogPath()},
	})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		log.Fatalf("start daemon: %v", err)
	}
	defer d.Close()

	socket := cfg.SocketPath()
	if *socketPath != "" {
		socket = *socketPath
	}
	ipcServer, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		log.Fatalf("start IPC server: %v", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	logger.Info("capstand ready", logging.String("socket", socket))
	<-ctx.Done()
	logger.Info("capstand shutting down")
}
