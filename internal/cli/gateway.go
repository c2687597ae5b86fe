package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wagate/wagate/internal/alert"
	"github.com/wagate/wagate/internal/config"
	"github.com/wagate/wagate/internal/credstore"
	"github.com/wagate/wagate/internal/httpapi"
	"github.com/wagate/wagate/internal/idmap"
	"github.com/wagate/wagate/internal/manager"
	"github.com/wagate/wagate/internal/policy"
	"github.com/wagate/wagate/internal/provider"
	"github.com/wagate/wagate/internal/registry"
	"github.com/wagate/wagate/internal/responder"
	"github.com/wagate/wagate/internal/router"
	"github.com/wagate/wagate/internal/session"
	"github.com/wagate/wagate/internal/storage"
	"github.com/wagate/wagate/internal/supervisor"
	"github.com/wagate/wagate/internal/transport/wameow"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (sessions, router, control API)",
	Run:   runGateway,
}

func runGateway(cmd *cobra.Command, args []string) {
	printHeader("🌐 wagate Gateway")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("WAGATE_LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	db, err := storage.Open(cfg.Storage.GatewayDB())
	if err != nil {
		log.Error("open gateway database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	credStore, err := credstore.New(db, log)
	if err != nil {
		log.Error("init credential store", "error", err)
		os.Exit(1)
	}
	policyStore, err := policy.New(db, cfg.Policy, log)
	if err != nil {
		log.Error("init policy store", "error", err)
		os.Exit(1)
	}
	idStore, err := idmap.New(db)
	if err != nil {
		log.Error("init identity store", "error", err)
		os.Exit(1)
	}

	lib, err := wameow.NewLibrary(cmd.Context(), cfg.Storage.DeviceDB(), log)
	if err != nil {
		log.Error("init transport library", "error", err)
		os.Exit(1)
	}
	defer lib.Close()

	route := router.New(policyStore, log)
	autoReply := responder.NewAutoReply(cfg.AutoReply, provider.New(cfg.Provider), log)
	route.Register(session.ClassUser, autoReply)
	if len(cfg.Relay.Brokers) > 0 {
		relay := responder.NewRelay(cfg.Relay, log)
		defer relay.Close()
		route.Register(session.ClassBot, relay)
	} else {
		route.Register(session.ClassBot, autoReply)
	}

	deps := manager.Deps{
		Registry: registry.New(),
		Library:  lib,
		Store:    credStore,
		Identity: idStore,
		Router:   route,
		Log:      log,
	}
	if notifier := alert.New(cfg.Alerts, log); notifier != nil {
		deps.Alerts = notifier
	}
	mgr := manager.New(cfg.Manager, deps)

	for _, id := range cfg.Sessions {
		if id = strings.TrimSpace(id); id != "" {
			mgr.Connect(id)
		}
	}

	sweeps := supervisor.New(cfg.Sweeps, mgr, policyStore, log)
	sweeps.Start()

	api := httpapi.New(cfg.API, mgr, log)
	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	case err := <-apiErr:
		log.Error("control api failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", "error", err)
	}
	sweeps.Stop()
	mgr.Stop()
	log.Info("gateway stopped")
}
