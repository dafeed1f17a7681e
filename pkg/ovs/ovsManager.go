package ovs

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"Netemu/pkg/node"

	"github.com/apex/log"
	"github.com/digitalocean/go-openvswitch/ovs"
	"github.com/pkg/errors"
)

// externalID marks the bridges created by netemu, so that clean can find
// them again.
const externalID = "netemu"

// OvsManager drives the Open vSwitch instance of one host. Every switch
// node is a bridge named after the node, running in standalone fail mode
// so that it forwards like a learning switch without a controller.
type OvsManager struct {
	oClient *ovs.Client
	host    node.Host
	logger  log.Interface
}

func NewOvsManager(host node.Host) *OvsManager {
	om := &OvsManager{
		host:   host,
		logger: log.WithField("host", host.Name()),
	}
	om.oClient = ovs.New(ovs.Exec(om.exec))
	return om
}

// exec runs the ovs tools on the manager's host.
func (om *OvsManager) exec(cmd string, args ...string) ([]byte, error) {
	argv := append([]string{cmd}, args...)
	om.logger.Debugf("+ %s", strings.Join(argv, " "))
	c := om.host.Command(context.Background(), argv...)
	out, err := c.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return out, errors.Errorf("%s: %s", cmd, strings.TrimSpace(string(ee.Stderr)))
		}
		return out, errors.Wrap(err, cmd)
	}
	return out, nil
}

func (om *OvsManager) Host() node.Host { return om.host }

// CreateBridge adds the bridge of a switch node.
func (om *OvsManager) CreateBridge(bridge string) error {
	if err := om.oClient.VSwitch.AddBridge(bridge); err != nil {
		return errors.Wrapf(err, "failed to add bridge %s", bridge)
	}
	if err := om.oClient.VSwitch.SetFailMode(bridge, ovs.FailModeStandalone); err != nil {
		return errors.Wrapf(err, "failed to set fail mode of %s", bridge)
	}
	if _, err := om.exec("ovs-vsctl", "br-set-external-id", bridge, externalID, "true"); err != nil {
		return errors.Wrapf(err, "failed to mark bridge %s", bridge)
	}
	return nil
}

func (om *OvsManager) DeleteBridge(bridge string) error {
	if err := om.oClient.VSwitch.DeleteBridge(bridge); err != nil {
		return errors.Wrapf(err, "failed to delete bridge %s", bridge)
	}
	return nil
}

// Bridges lists the bridges created by netemu on the host.
func (om *OvsManager) Bridges() ([]string, error) {
	all, err := om.oClient.VSwitch.ListBridges()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list bridges")
	}
	var ours []string
	for _, br := range all {
		out, err := om.exec("ovs-vsctl", "br-get-external-id", br, externalID)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(out)) == "true" {
			ours = append(ours, br)
		}
	}
	return ours, nil
}

// AddPort attaches an existing kernel interface to the bridge.
func (om *OvsManager) AddPort(bridge, port string) error {
	if err := om.oClient.VSwitch.AddPort(bridge, port); err != nil {
		return errors.Wrapf(err, "failed to add %s to bridge %s", port, bridge)
	}
	return nil
}

// AddPatchPort adds port to bridge as one end of an OVS patch pair whose
// other end is peer. No kernel interface is created.
func (om *OvsManager) AddPatchPort(bridge, port, peer string) error {
	if err := om.AddPort(bridge, port); err != nil {
		return err
	}
	err := om.oClient.VSwitch.Set.Interface(port, ovs.InterfaceOptions{
		Type: ovs.InterfaceTypePatch,
		Peer: peer,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to make %s a patch port", port)
	}
	return nil
}

func (om *OvsManager) DeletePort(bridge, port string) error {
	if err := om.oClient.VSwitch.DeletePort(bridge, port); err != nil {
		return errors.Wrapf(err, "failed to delete %s from bridge %s", port, bridge)
	}
	return nil
}

func (om *OvsManager) ListPorts(bridge string) ([]string, error) {
	ports, err := om.oClient.VSwitch.ListPorts(bridge)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list ports of %s", bridge)
	}
	return ports, nil
}

// HasPort reports whether port is attached to bridge.
func (om *OvsManager) HasPort(bridge, port string) (bool, error) {
	ports, err := om.ListPorts(bridge)
	if err != nil {
		return false, err
	}
	for _, p := range ports {
		if p == port {
			return true, nil
		}
	}
	return false, nil
}

// GetPortId returns the OpenFlow port number of port.
func (om *OvsManager) GetPortId(bridge, port string) (int, error) {
	output, err := om.exec("ovs-vsctl", "get", "Interface", port, "ofport")
	if err != nil {
		return -1, errors.Wrapf(err, "failed to get port %s id on OVS bridge %s", port, bridge)
	}
	resultStr := strings.TrimSpace(string(output))
	resultInt, err := strconv.Atoi(resultStr)
	if err != nil {
		return -1, errors.Wrapf(err, "error converting port %s id %s to int", port, resultStr)
	}
	return resultInt, nil
}
