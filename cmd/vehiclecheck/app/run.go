package app

import (
	"context"
	"fmt"

	"vehiclecheck/internal/api"
	"vehiclecheck/internal/calendar"
	"vehiclecheck/internal/clock"
	"vehiclecheck/internal/config"
	"vehiclecheck/internal/dvla"
	"vehiclecheck/internal/ha"
	"vehiclecheck/internal/mqttpub"
	"vehiclecheck/internal/vehicle"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newRunCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll every configured vehicle and reconcile calendar reminders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.opts.ValidateDaemon(); err != nil {
				return err
			}
			return runDaemon(cmd.Context(), c.opts, c.logger)
		},
	}
}

func runDaemon(ctx context.Context, opts *Options, logger *zap.Logger) error {
	logger.Info("Starting vehiclecheck",
		zap.String("ha_url", opts.HAURL),
		zap.String("config_file", opts.ConfigFile),
		zap.String("listen_addr", opts.ListenAddr),
		zap.Bool("read_only", opts.ReadOnly))

	loader := config.NewLoader(opts.ConfigFile, opts.DVLAAPIKey, logger)
	if err := loader.Load(); err != nil {
		return fmt.Errorf("failed to load vehicles: %w", err)
	}

	client := ha.NewClient(opts.HAURL, opts.HAToken, logger)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}
	defer client.Disconnect()

	hassCal := calendar.NewHassCalendar(client, logger)
	reconciler := calendar.NewReconciler(hassCal, logger, opts.ReadOnly)
	if opts.ReadOnly {
		logger.Info("Running in READ-ONLY mode - no calendar events will be created")
	}

	managerOpts := []vehicle.Option{
		vehicle.WithTargetChecker(hassCal),
		vehicle.WithDefaultKey(loader.DefaultAPIKey),
	}
	if opts.MQTT.BrokerURL != "" {
		publisher, err := mqttpub.Connect(ctx, opts.MQTT, logger)
		if err != nil {
			return err
		}
		defer publisher.Close(context.Background())
		managerOpts = append(managerOpts, vehicle.WithPublisher(publisher))
	}

	fetcher := dvla.NewClient(logger, dvla.WithEndpoint(opts.DVLAEndpoint))
	manager := vehicle.NewManager(fetcher, reconciler, clock.NewRealClock(), logger, managerOpts...)
	manager.Start(ctx, loader.Entries())
	defer manager.Stop()

	server := api.NewServer(manager, logger, opts.ListenAddr)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := loader.Watch(gctx, func(entries []config.Entry) {
			manager.Apply(gctx, entries)
		})
		if err != nil {
			logger.Warn("Config hot reload disabled", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("vehiclecheck running. Press Ctrl+C to exit.",
		zap.Int("vehicles", len(manager.List())))

	err := g.Wait()
	logger.Info("Shutting down gracefully...")
	return err
}
