package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	gitCommit string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func main() {
	root := &cobra.Command{
		Use:          "orchid",
		Short:        "Persistent multi-channel agent orchestrator",
		SilenceUsage: true,
	}

	root.AddCommand(newGatewayCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchid %s (%s)\n", formatVersion(), runtime.Version())
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
