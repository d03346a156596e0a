// Command ucpctl inspects protocol selection and benchmarks the in-process
// transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

type app struct {
	v          *viper.Viper
	configPath string
	cfg        *Config
	log        *zap.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "ucpctl",
		Short: "Inspect and exercise the ucp protocol engine",
		Long: `ucpctl prints the send protocol chosen for a message size and runs
loopback benchmarks over the in-process transport.

Configuration is read from ./ucpctl.yaml or $HOME/.ucpctl/ucpctl.yaml and
can be overridden with UCPCTL_* environment variables, for example
UCPCTL_WORKER_ZCOPY_THRESHOLD=4096.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := loadConfig(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log, err = newLogger(cfg.Debug)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Int("zcopy-threshold", 0, "smallest length sent zero-copy")
	rootCmd.PersistentFlags().Int("rendezvous-threshold", 0, "smallest length refused")
	_ = a.v.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = a.v.BindPFlag("worker.zcopy_threshold", rootCmd.PersistentFlags().Lookup("zcopy-threshold"))
	_ = a.v.BindPFlag("worker.rendezvous_threshold", rootCmd.PersistentFlags().Lookup("rendezvous-threshold"))

	rootCmd.AddCommand(newSelectCmd(a))
	rootCmd.AddCommand(newBenchCmd(a))

	return rootCmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
