package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgPath  string
	flagPort string
	cfg      *Config
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "canmap",
	Short: "Discover and renumber serial-CAN bus devices",
	Long: `canmap walks a serial-to-CAN adapter bus, finds every unit that
answers (including factory units squatting on whole address ranges),
and renumbers them onto unique addresses.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cfgPath)
		if err != nil {
			return err
		}
		if flagPort != "" {
			cfg.Bus.Port = flagPort
		}
		if err := cfg.validate(); err != nil {
			return err
		}
		logger = newLogger(cfg)
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&flagPort, "port", "p", "", `bus port (serial device or "sim:<profile>")`)

	rootCmd.AddCommand(scanCmd, devicesCmd, assignCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
