package cmd

import (
	"fmt"

	"Netemu/pkg"
	"Netemu/pkg/intf"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check Topology",
	Long:  `Validate a topology file and print what would be run on every interface, without building anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filepath, _ := cmd.Flags().GetString("from")
		topo, err := pkg.LoadTopoConfig(filepath)
		if err != nil {
			return err
		}
		plans, err := pkg.PlanTopo(topo, "")
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d nodes, %d links\n", len(topo.Nodes), len(topo.Links))
		for _, p := range plans {
			fmt.Fprintf(out, "%s (%s, %s)\n", p.Intf, p.Node, p.Kind)
			fmt.Fprintf(out, "    %s\n", intf.Offload(p.Intf))
			for _, c := range p.Chain.Commands {
				fmt.Fprintf(out, "    %s\n", c)
			}
			for _, w := range p.Chain.Warnings {
				fmt.Fprintf(out, "    warning: %s\n", w)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringP("from", "f", "", "Path to the topology configuration file")
	checkCmd.MarkFlagRequired("from")
}
