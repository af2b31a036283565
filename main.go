package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"tabulas/app/client/keycloak"
	"tabulas/app/client/kvasir"
	"tabulas/app/config"
	"tabulas/app/server"
	"tabulas/app/service/payload"
	"tabulas/app/service/resolver"
	"tabulas/app/service/sync"
	"tabulas/app/util/mylog"

	"github.com/gofiber/fiber/v2/log"
	"github.com/samber/do"
)

func main() {
	di := do.New()
	defer di.Shutdown()
	defer log.Info("Waiting for services to finish...")

	mylog.Preinit()

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	do.ProvideValue(di, appCtx)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	do.ProvideValue(di, cfg)

	if err = mylog.Init(cfg); err != nil {
		log.Fatalf("logging init failed: %v", err)
	}

	do.Provide(di, keycloak.NewClient)
	do.Provide(di, kvasir.NewClient)
	do.Provide(di, resolver.New)
	do.Provide(di, payload.New)
	do.Provide(di, sync.New)
	do.Provide(di, server.New)

	slog.Info("Service started", "pod", cfg.Kvasir.Pod, "owner", cfg.Profile.Owner)

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		log.Info("Shutting down...")

		cancel()
	}()

	go func() {
		if err := do.MustInvoke[*server.Service](di).Run(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-appCtx.Done()
}
