package cmd

import (
	"regexp"

	"Netemu/pkg/node"
	"Netemu/pkg/ovs"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/vishvananda/netlink"
)

var leftoverIntf = regexp.MustCompile(`-eth\d+$`)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean Up",
	Long:  `Remove the interfaces, bridges and containers left behind by a topology that was not torn down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		links, err := netlink.LinkList()
		if err != nil {
			return errors.Wrap(err, "error listing links")
		}
		for _, l := range links {
			name := l.Attrs().Name
			if !leftoverIntf.MatchString(name) {
				continue
			}
			if err := netlink.LinkDel(l); err != nil {
				log.WithError(err).Warnf("cannot delete %s", name)
				continue
			}
			log.Infof("deleted interface %s", name)
		}

		om := ovs.NewOvsManager(&node.LocalHost{})
		bridges, err := om.Bridges()
		if err != nil {
			log.WithError(err).Warn("cannot list bridges")
		}
		for _, br := range bridges {
			if err := om.DeleteBridge(br); err != nil {
				log.WithError(err).Warnf("cannot delete bridge %s", br)
				continue
			}
			log.Infof("deleted bridge %s", br)
		}

		rt, err := node.NewContainerRuntime()
		if err != nil {
			log.WithError(err).Warn("docker unavailable, containers left alone")
			return nil
		}
		removed, err := rt.RemoveAll(cmd.Context())
		if err != nil {
			return err
		}
		log.Infof("removed %d containers", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}
