package cmd

import (
	"context"

	"Netemu/pkg"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
)

var Emulator *pkg.Emulator
var rootCmd = &cobra.Command{
	Use:   "netemu",
	Short: "netemu network emulator",
	Long:  "A command-line tool for emulating network topologies with shells, namespaces and shaped links.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetHandler(clihandler.Default)
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context, e *pkg.Emulator) error {
	Emulator = e
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log every command sent to the nodes")
}
