package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"fastcon-bridge/internal/controller"
	"fastcon-bridge/internal/sacn"
	"fastcon-bridge/internal/store"
	"fastcon-bridge/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long: `Open the radio, restore or pair lights and serve MQTT, sACN and the HTTP
API until interrupted.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("fastcon-bridge starting", "version", version)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	r, err := openRadio(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open radio: %w", err)
	}
	defer r.Close()

	events := controller.NewEventBus(logger)
	ctrl, err := controller.New(r, db, events, cfg.controllerConfig(), logger.With("component", "controller"))
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	logRegisteredLights(ctrl, logger)

	// Automation and MQTT are no-ops when built with no_automation / no_mqtt.
	auto, autoWebOpts := initAutomation(ctrl, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(ctrl, logger, webOpts...)

	mqtt := initMQTT(ctrl, cfg, logger)
	defer stopAll(ctrl, mqtt, webServer, auto)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", "err", err)
		}
		return nil
	})

	if cfg.Web.MDNS {
		ann, err := web.Announce(cfg.Web.Listen, "FastCon Bridge", ctrl.InstallID(), version, logger)
		if err != nil {
			logger.Warn("mDNS announce failed", "err", err)
		} else {
			defer ann.Shutdown()
		}
	}

	if cfg.Feed.Enabled {
		if err := startFeed(gctx, g, ctrl, cfg, logger); err != nil {
			stop()
			g.Wait()
			return err
		}
	}

	if *cfg.Mesh.PairOnStart {
		g.Go(func() error {
			if _, err := ctrl.DiscoverAndPairAll(gctx); err != nil {
				if gctx.Err() == nil {
					logger.Error("initial discovery failed", "err", err)
				}
				return nil
			}
			logRegisteredLights(ctrl, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	if err != nil {
		return err
	}
	logger.Info("goodbye")
	return nil
}

// startFeed joins the sACN universes and applies every frame to the lights.
func startFeed(ctx context.Context, g *errgroup.Group, ctrl *controller.Controller, cfg *Config, logger *slog.Logger) error {
	rcv, err := sacn.Listen(cfg.sacnConfig(), logger.With("component", "sacn"))
	if err != nil {
		return fmt.Errorf("sacn: %w", err)
	}
	mapping := cfg.dmxMapping()
	logger.Info("sACN feed started",
		"universe", cfg.Feed.Universe, "universes", cfg.Feed.UniverseCount,
		"channels_per_light", mapping.ChannelsPerLight)

	g.Go(func() error {
		defer rcv.Close()
		return rcv.Run(ctx)
	})
	g.Go(func() error {
		return rcv.Pump(ctx, func(ctx context.Context, channels []byte) error {
			n, err := ctrl.ApplyDMX(ctx, channels, mapping)
			if n > 0 {
				logger.Debug("applied DMX frame", "commands", n)
			}
			return err
		})
	})
	return nil
}

type stopper interface {
	Stop()
}

// stopAll stops the controller first: cancelling its context ends a rescan
// that the consumers would otherwise wait for. Consumers stop in order.
func stopAll(ctrl stopper, consumers ...stopper) {
	ctrl.Stop()
	for _, c := range consumers {
		c.Stop()
	}
}

func logRegisteredLights(ctrl *controller.Controller, logger *slog.Logger) {
	lights := ctrl.Lights()
	registered := 0
	for _, d := range lights {
		if d.Registration != controller.Registered {
			continue
		}
		registered++
		logger.Info("registered light", "id", d.ID, "type", d.Type, "number", d.Number)
	}
	logger.Info("lights", "known", len(lights), "registered", registered)
}
