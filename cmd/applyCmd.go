package cmd

import (
	"os"
	"os/signal"

	"Netemu/pkg/cli"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply Topology",
	Long: `Apply Topology with Nodes list and Links list, then run the interactive
command line. The topology is torn down when the command line exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filepath, _ := cmd.Flags().GetString("from")
		noCLI, _ := cmd.Flags().GetBool("no-cli")
		script, _ := cmd.Flags().GetString("source")

		ctx := cmd.Context()
		if err := Emulator.ApplyTopoConfig(ctx, filepath); err != nil {
			return err
		}
		if noCLI {
			log.Info("topology running, interrupt to tear it down")
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			<-ctx.Done()
			return nil
		}

		// ^C belongs to the commands run on nodes, not to the prompt.
		defer ignoreInterrupts()()

		c := cli.New(Emulator, os.Stdin, os.Stdout)
		if script != "" {
			if err := c.Source(ctx, script); err != nil {
				return err
			}
		}
		return c.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().StringP("from", "f", "", "Path to the topology configuration file")
	applyCmd.Flags().StringP("source", "s", "", "Commands to run before the prompt")
	applyCmd.Flags().Bool("no-cli", false, "Keep the topology up until interrupted instead of prompting")
	applyCmd.MarkFlagRequired("from")
}

// ignoreInterrupts swallows SIGINT until the returned function is called.
func ignoreInterrupts() func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
