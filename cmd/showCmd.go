package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show Resources",
	Long:  `Build the topology, show one class of its resources and tear it down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filepath, _ := cmd.Flags().GetString("from")
		class, _ := cmd.Flags().GetString("class")
		show, ok := map[string]func(){
			"nodes":  func() { Emulator.ShowNodes(os.Stdout) },
			"links":  func() { Emulator.ShowLinks(os.Stdout) },
			"intfs":  func() { Emulator.ShowIntfs(os.Stdout) },
			"qdiscs": func() { Emulator.ShowQdiscs(os.Stdout) },
		}[class]
		if !ok {
			return errors.Errorf("invalid class %q", class)
		}
		if err := Emulator.ApplyTopoConfig(cmd.Context(), filepath); err != nil {
			return err
		}
		show()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().StringP("from", "f", "", "Path to the topology configuration file")
	showCmd.Flags().String("class", "nodes", "Class of the element to show: nodes, links, intfs or qdiscs")
	showCmd.MarkFlagRequired("from")
}
