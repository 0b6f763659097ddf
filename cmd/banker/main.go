package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const serviceName = "banker"

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "banker",
		Short:        "Banker: AML-gated withdrawal router",
		Long:         "Banker consumes ledger withdrawal commands, screens them and republishes them to the matching payment rail.",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(routeCmd())
	root.AddCommand(versionCmd())

	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (built %s)\n", serviceName, Version, BuildTime)
			return err
		},
	}
}
