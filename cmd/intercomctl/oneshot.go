package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/EgorLis/fibaro-intercom/internal/config"
	"github.com/EgorLis/fibaro-intercom/internal/intercom"
)

// connect — сессия для одноразовых команд; вызывающий обязан Disconnect.
func connect(ctx context.Context, cfg config.Config) (*intercom.Session, error) {
	s, err := intercom.New(cfg.Session())
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		s.Disconnect()
		return nil, err
	}
	return s, nil
}

func openRelayCmd(gf *globalFlags) *cobra.Command {
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "open-relay <relay>",
		Short: "Open relay 0 or 1 for the given hold time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("relay %q: must be 0 or 1", args[0])
			}
			if err := intercom.ValidateRelay(relay, hold); err != nil {
				return err
			}
			cfg, err := gf.load()
			if err != nil {
				return err
			}

			s, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Disconnect()

			ok, err := s.OpenRelay(cmd.Context(), relay, hold)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("device refused to open relay %d", relay)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "relay %d opened for %s\n", relay, hold)
			return nil
		},
	}
	cmd.Flags().DurationVar(&hold, "hold", 5*time.Second, "how long the relay stays open (250ms..30s)")
	return cmd
}

// probeCmd — проверка связи: подключение, логин, отключение.
func probeCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check that the intercom is reachable and accepts the credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			start := time.Now()
			s, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			s.Disconnect()

			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s logged in as %s in %s\n",
				cfg.Session().URL(), cfg.Device.Username, elapsed.Round(time.Millisecond))
			return nil
		},
	}
}

func snapshotCmd(gf *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save a still JPEG from the intercom camera",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := gf.load()
			if err != nil {
				return err
			}
			img, err := newCamera(cfg).Snapshot(cmd.Context())
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if _, err := w.Write(img.Data); err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "saved %d bytes to %s\n", len(img.Data), output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "snapshot.jpg", "output file, - for stdout")
	return cmd
}
