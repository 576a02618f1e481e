package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership"
	"github.com/ngrok/mastership/internal/config"
	"github.com/ngrok/mastership/internal/proto"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// controllerFlags are the connection settings shared by controller commands.
type controllerFlags struct {
	network string
	addr    string
}

func (f *controllerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.network, "network", "tcp", "Network of the device: tcp or unix")
	cmd.Flags().StringVarP(&f.addr, "addr", "a", "", "Address (or socket path) of the device")
}

func (f *controllerFlags) dial(ctx context.Context, cmd *cobra.Command, cfg *config.Config, l log15.Logger, opts ...mastership.Option) (*mastership.Controller, error) {
	if cmd.Flags().Changed("network") {
		cfg.Controller.Network = f.network
	}
	if cmd.Flags().Changed("addr") {
		cfg.Controller.Addr = f.addr
	}
	opts = append([]mastership.Option{
		mastership.WithLogger(l),
		mastership.WithConnectTimeout(cfg.Controller.ConnectTimeout),
		mastership.WithTransactTimeout(cfg.Controller.TransactTimeout),
		mastership.WithPollTimeout(cfg.Controller.PollTimeout),
	}, opts...)
	return mastership.Dial(ctx, cfg.Controller.Network, cfg.Controller.Addr, opts...)
}

func newRoleCmd(gf *globalFlags) *cobra.Command {
	var (
		cf         controllerFlags
		generation uint64
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "role [nochange|equal|master|slave]",
		Short: "Connect to a device and request a role",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := mastership.RoleNoChange
			if len(args) == 1 {
				var err error
				if role, err = mastership.ParseRole(args[0]); err != nil {
					return err
				}
			}
			cfg, l, err := gf.setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// wall-clock nanoseconds order requests made by separate
			// invocations of this command
			gens := mastership.NewGenerationAllocator(uint64(time.Now().UnixNano()))
			c, err := cf.dial(ctx, cmd, cfg, l, mastership.WithGenerationAllocator(gens))
			if err != nil {
				return err
			}
			defer c.Close()

			if generation == 0 {
				generation = gens.Next()
			}
			reply, err := c.RequestRoleWithGeneration(ctx, role, generation)
			if err != nil && reply.Err == nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "xid=%d role=%s generation=%d", reply.Xid, reply.Role, reply.GenerationID)
			if reply.Err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), " refused=%q", reply.Err.Error())
			}
			fmt.Fprintln(cmd.OutOrStdout())
			if !watch {
				return reply.Err
			}
			return watchRoleStatus(ctx, cmd, c)
		},
	}
	cf.register(cmd)
	cmd.Flags().Uint64VarP(&generation, "generation", "g", 0, "Generation id to send (default: current time in nanoseconds)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep the connection open and print role changes made by other controllers")
	return cmd
}

func watchRoleStatus(ctx context.Context, cmd *cobra.Command, c *mastership.Controller) error {
	for {
		m, err := c.Poll(ctx, proto.TypeRoleStatus, time.Minute)
		switch {
		case err == nil:
		case errors.Is(err, mastership.ErrTimeout):
			continue
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
		var status proto.RoleStatus
		if err := m.DecodeBody(&status); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "role=%s generation=%d reason=%s\n", mastership.Role(status.Role), status.GenerationID, status.Reason)
	}
}

func newEchoCmd(gf *globalFlags) *cobra.Command {
	var cf controllerFlags
	cmd := &cobra.Command{
		Use:   "echo [data]",
		Short: "Connect to a device and round-trip an echo request",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := gf.setup()
			if err != nil {
				return err
			}
			c, err := cf.dial(cmd.Context(), cmd, cfg, l)
			if err != nil {
				return err
			}
			defer c.Close()

			var data []byte
			if len(args) == 1 {
				data = []byte(args[0])
			}
			start := time.Now()
			reply, err := c.Echo(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%q in %v\n", reply, time.Since(start))
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}
