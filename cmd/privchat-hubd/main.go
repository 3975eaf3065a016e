package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/maxohm/privchat/internal/hub"
)

func main() {
	addr := flag.String("addr", ":7400", "listen address")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := hub.NewServer(logger)
	app := srv.App()

	go func() {
		logger.Info("hub listening", zap.String("addr", *addr))
		if err := app.Listen(*addr); err != nil {
			logger.Fatal("hub server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if err := app.Shutdown(); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
