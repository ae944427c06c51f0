package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/gimbalctl/internal/link"
	"github.com/shaunagostinho/gimbalctl/internal/logging"
	"github.com/shaunagostinho/gimbalctl/internal/recorder"
	"github.com/shaunagostinho/gimbalctl/internal/server"
	"github.com/shaunagostinho/gimbalctl/web"
)

func serveCmd(root *rootOptions) *cobra.Command {
	var (
		listen    string
		noConnect bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard and connect to the configured gimbal",
		Long: `Start the web dashboard and API. The configured link is dialled in the
background with exponential backoff, so the dashboard comes up even when
the gimbal is unreachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			if listen != "" {
				patch, _ := json.Marshal(map[string]any{"server": map[string]any{"listenAddr": listen}})
				if err := cfg.UpdateFromJSON(patch); err != nil {
					return err
				}
			}
			log.Info().Str("version", version).Str("config", cfg.Path()).Msg("gimbalctl starting")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			linkLog := logging.Component("link")
			backend := link.NewBackend(linkLog,
				link.WithStateObserver(func(from, to link.ConnectionState) {
					linkLog.Debug().Stringer("from", from).Stringer("to", to).Msg("link state")
				}),
				link.WithAckTimeout(cfg.AckTimeout()),
				link.WithSerialDefaults(cfg.SerialDefaults()),
				link.WithNetworkDefaults(cfg.NetworkDefaults()),
			)
			links := link.NewManager(backend, logging.Component("manager"))
			defer links.Disconnect()

			if !noConnect {
				target, err := cfg.Target()
				if err != nil {
					return err
				}
				go links.ConnectWithRetry(ctx, target, cfg.LinkSettings().Retry.MaxLogged)
			}

			rc := cfg.RecorderSettings()
			rec := recorder.New(recorder.Config{
				Enabled:  rc.Enabled,
				Path:     rc.Path,
				Interval: time.Duration(rc.IntervalMS) * time.Millisecond,
			}, logging.Component("recorder"))

			srv := server.New(cfg, links, web.FS, logging.Component("server"), server.WithRecorder(rec))
			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("server exited")
				return err
			}
			log.Info().Msg("shut down")
			return nil
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override listen address (e.g. :8080)")
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "Start without dialling the configured link")
	return cmd
}
