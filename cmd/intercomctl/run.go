package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/EgorLis/fibaro-intercom/internal/api"
	"github.com/EgorLis/fibaro-intercom/internal/app"
	"github.com/EgorLis/fibaro-intercom/internal/camera"
	"github.com/EgorLis/fibaro-intercom/internal/config"
	"github.com/EgorLis/fibaro-intercom/internal/intercom"
	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

func runCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep a session to the intercom and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func newCamera(cfg config.Config) *camera.Client {
	return camera.New(camera.Config{
		Host:     cfg.Device.Host,
		Port:     cfg.Camera.Port,
		Username: cfg.Device.Username,
		Password: cfg.Device.Password,
		Timeout:  cfg.Camera.Timeout,
	})
}

func runDaemon(ctx context.Context, cfg config.Config) error {
	logger := ilog.WithComponent("daemon")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := intercom.New(cfg.Session(), intercom.WithMetrics(intercom.NewMetrics(reg)))
	if err != nil {
		return err
	}
	a := app.New(s, newCamera(cfg), app.Options{
		DoorbellCommand: cfg.Hooks.DoorbellCommand,
		CommandTimeout:  cfg.Hooks.CommandTimeout,
	})
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	srv := api.New(a, api.Config{
		Listen:    cfg.HTTP.Listen,
		RelayRate: cfg.HTTP.RelayRate,
		Gatherer:  reg,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	logger.Info().
		Str(ilog.FieldSessionID, s.ID()).
		Str(ilog.FieldAddr, cfg.HTTP.Listen).
		Msg("running, press Ctrl+C to stop")

	err = g.Wait()
	logger.Info().Msg("shutting down")
	return err
}
