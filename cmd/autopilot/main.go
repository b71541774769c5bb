package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "autopilot",
		Short:         "Autonomous operations core for the Mirador platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			viper.SetEnvPrefix("AUTOPILOT")
			viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			viper.AutomaticEnv()
			return viper.BindPFlags(cmd.Flags())
		},
	}
	root.PersistentFlags().String("config", "", "path to configuration file")
	root.PersistentFlags().String("address", "localhost:50061", "autopilot gRPC address for client commands")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().Bool("json", false, "print raw JSON instead of tables")
	root.PersistentFlags().Duration("timeout", 2*time.Minute, "client request timeout")

	root.AddCommand(
		serveCmd(),
		cycleCmd(),
		statusCmd(),
		pendingCmd(),
		approveCmd(),
		rejectCmd(),
		monitorCmd(),
		configureCmd(),
		killSwitchCmd(),
	)
	return root
}
