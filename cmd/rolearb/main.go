// Command rolearb runs a device that arbitrates controller roles, and
// connects to one as a controller.
package main

import (
	"fmt"
	"os"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/mastership/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags every command shares.
type globalFlags struct {
	cfgFile  string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "rolearb",
		Short:         "Arbitrate controller roles for a device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	gf := &globalFlags{}
	rootCmd.PersistentFlags().StringVarP(&gf.cfgFile, "config", "c", "", "Path to config file (default: ./rolearb.yaml or /etc/rolearb/rolearb.yaml)")
	rootCmd.PersistentFlags().StringVar(&gf.logLevel, "log-level", "", "Log level: debug, info, warn, error, crit (overrides config)")

	rootCmd.AddCommand(newServeCmd(gf), newRoleCmd(gf), newEchoCmd(gf))
	return rootCmd
}

// setup loads the config and builds the logger every command uses.
func (gf *globalFlags) setup() (*config.Config, log15.Logger, error) {
	cfg, err := config.Load(gf.cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if gf.logLevel != "" {
		cfg.Log.Level = gf.logLevel
	}
	lvl, err := log15.LvlFromString(cfg.Log.Level)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "bad log level %q", cfg.Log.Level)
	}
	l := log15.New()
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
	return cfg, l, nil
}
