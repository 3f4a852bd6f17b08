package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "research-worker",
		Short:         "Consume research tasks from Redis and publish progress updates",
		SilenceUsage:  true,
		SilenceErrors: false,
		// Without a subcommand the worker runs
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (defaults to CONFIG_PATH, then built-in defaults)")

	root.AddCommand(runCMD(&cfgPath), enqueueCMD(&cfgPath))
	return root
}
