package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/gimbalctl/internal/gimbal"
	"github.com/shaunagostinho/gimbalctl/internal/link"
	"github.com/shaunagostinho/gimbalctl/internal/logging"
	"github.com/shaunagostinho/gimbalctl/internal/message"
)

func sendCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <ping|mode MODE|setpoint PAN TILT|limits PL PU TL TU>",
		Short: "Send one command over the configured link and wait for its ack",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := buildCommand(args)
			if err != nil {
				return err
			}
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			target, err := cfg.Target()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.AckTimeout()
			}

			backend := link.NewBackend(logging.Component("link"),
				link.WithSerialDefaults(cfg.SerialDefaults()),
				link.WithNetworkDefaults(cfg.NetworkDefaults()),
			)
			links := link.NewManager(backend, logging.Component("manager"))
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+5*time.Second)
			defer cancel()
			if err := links.Connect(ctx, target); err != nil {
				return err
			}
			defer links.Disconnect()
			if !backend.IsConnected() {
				return link.ErrNotConnected
			}

			start := time.Now()
			if err := backend.SendWait(ctx, body, timeout); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s acked by %s in %s\n", args[0], backend.ConnectionInfo(), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Ack timeout (default from config)")
	return cmd
}

func buildCommand(args []string) ([]byte, error) {
	floats := func(want int) ([]float32, error) {
		if len(args)-1 != want {
			return nil, fmt.Errorf("%s takes %d arguments", args[0], want)
		}
		out := make([]float32, want)
		for i, a := range args[1:] {
			v, err := strconv.ParseFloat(a, 32)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", args[0], err)
			}
			out[i] = float32(v)
		}
		return out, nil
	}

	switch args[0] {
	case "ping":
		return message.PingCommand(), nil
	case "mode":
		if len(args) != 2 {
			return nil, fmt.Errorf("mode takes 1 argument")
		}
		m, ok := gimbal.ParseMode(args[1])
		if !ok {
			return nil, fmt.Errorf("unknown mode %q", args[1])
		}
		return message.ModeCommand(m), nil
	case "setpoint":
		v, err := floats(2)
		if err != nil {
			return nil, err
		}
		return message.SetpointCommand(gimbal.Setpoint{Pan: v[0], Tilt: v[1]}), nil
	case "limits":
		v, err := floats(4)
		if err != nil {
			return nil, err
		}
		return message.LimitsCommand(gimbal.Limits{PanLower: v[0], PanUpper: v[1], TiltLower: v[2], TiltUpper: v[3]}), nil
	default:
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
}
