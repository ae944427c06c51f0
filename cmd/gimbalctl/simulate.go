package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/gimbalctl/internal/logging"
	"github.com/shaunagostinho/gimbalctl/internal/simulator"
)

func simulateCmd(root *rootOptions) *cobra.Command {
	var (
		listen   string
		dropAcks bool
		jitter   bool
		slew     float32
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated gimbal on a TCP port",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			sc := cfg.SimulatorSettings()
			if listen != "" {
				sc.ListenAddr = listen
			}

			sim := simulator.New(simulator.Config{
				ListenAddr:  sc.ListenAddr,
				TelemetryHz: sc.TelemetryHz,
				DropAcks:    dropAcks,
				SlewRate:    slew,
				Jitter:      jitter,
			}, logging.Component("simulator"))
			if err := sim.Listen(); err != nil {
				return err
			}
			log.Info().Stringer("addr", sim.Addr()).Bool("drop_acks", dropAcks).Msg("simulator listening")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sim.Serve(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override listen address")
	cmd.Flags().BoolVar(&dropAcks, "drop-acks", false, "Never acknowledge commands")
	cmd.Flags().BoolVar(&jitter, "jitter", false, "Add sensor noise to reported positions")
	cmd.Flags().Float32Var(&slew, "slew", 0, "Slew rate in deg/s (0 = 90)")
	return cmd
}
