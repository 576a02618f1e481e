package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ngrok/mastership"
	"github.com/spf13/cobra"
)

func newServeCmd(gf *globalFlags) *cobra.Command {
	var network, listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a device accepting controller connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := gf.setup()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("network") {
				cfg.Device.Network = network
			}
			if cmd.Flags().Changed("listen") {
				cfg.Device.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := mastership.NewDevice(
				mastership.WithLogger(l),
				mastership.WithWriteTimeout(cfg.Device.WriteTimeout),
			)
			ln, err := d.Listen(ctx, cfg.Device.Network, cfg.Device.Listen)
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				l.Info("shutting down")
				if err := d.Close(); err != nil {
					l.Error("error closing device", "err", err)
				}
			}()
			return d.Serve(ln)
		},
	}
	cmd.Flags().StringVar(&network, "network", "tcp", "Network to listen on: tcp or unix")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Address (or socket path) to listen on")
	return cmd
}
