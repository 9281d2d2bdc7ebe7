package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "sidecar",
		Short: "Supervisor for the local weather service",
		Long: `sidecar launches the Python weather service on a free local port,
waits for it to become healthy, restarts it if it crashes and cleans up
instances left behind by earlier runs.

Examples:
  sidecar serve                       # supervise and expose the local API
  sidecar status                      # one health check against the service
  sidecar weather --api-url=http://127.0.0.1:17800/api
  sidecar reap                        # terminate stale instances
  sidecar bootstrap                   # install Python dependencies`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "talk to a running 'sidecar serve' (e.g. http://127.0.0.1:17800/api)")

	root.AddCommand(
		createServeCommand(flags),
		createStatusCommand(flags),
		createWeatherCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createReapCommand(flags),
		createBootstrapCommand(flags),
	)
	return root
}
