package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/flowlens/flowlens/internal/config"
	"github.com/flowlens/flowlens/internal/service"
)

func main() {
	log := logrus.WithField("app", "flowlensd")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	svc, err := service.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("create service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Fatal("start service")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	if err := svc.Stop(); err != nil {
		log.WithError(err).Error("stop service")
	}
}
