package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/gimbalctl/internal/transport"
)

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and supported baud rates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "no serial ports found")
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}
			fmt.Fprintf(out, "baud rates: %v (default %d)\n", transport.StandardBaudRates, transport.DefaultBaudRate)
			return nil
		},
	}
}
