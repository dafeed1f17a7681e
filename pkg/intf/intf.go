// Package intf models the network interfaces of a node: addressing,
// readback from the live system and tc based traffic shaping.
//
// Every operation is a shell command run through the owning node, so an
// Interface works the same whether the node is a namespace, a container or
// a process on a remote host.
package intf

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"Netemu/api"
	"Netemu/pkg/util"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

const (
	LoopbackName = "lo"
	LoopbackIP   = "127.0.0.1"

	// DefaultPrefixLen is used when an address comes without one.
	DefaultPrefixLen = 8
)

var (
	inetRegexp  = regexp.MustCompile(`inet (\d+\.\d+\.\d+\.\d+)/(\d+)`)
	etherRegexp = regexp.MustCompile(`link/ether ([0-9a-fA-F]{2}(?::[0-9a-fA-F]{2}){5})`)
)

// Owner is the node an interface belongs to.
type Owner interface {
	Name() string
	Cmd(line string) (string, error)
}

// Params is what Configure applies. Empty fields are left alone; Up
// defaults to true.
type Params struct {
	MAC       string
	IP        string
	PrefixLen int
	Up        *bool
	// Ifconfig is passed verbatim to `ifconfig <name>`.
	Ifconfig string
	api.LinkProperties
}

type Interface struct {
	name   string
	owner  Owner
	linkID int
	tc     bool

	ip        string
	prefixLen int
	mac       string
	props     api.LinkProperties

	logger log.Interface
}

// New returns an interface called name on owner. Nothing is created on
// the system; links do that.
func New(name string, owner Owner) *Interface {
	return &Interface{
		name:   name,
		owner:  owner,
		logger: log.WithFields(log.Fields{"node": owner.Name(), "intf": name}),
	}
}

// NewShaped returns an interface that also accepts traffic shaping.
func NewShaped(name string, owner Owner) *Interface {
	i := New(name, owner)
	i.tc = true
	return i
}

// NewLoopback returns the loopback of owner. It is never linked.
func NewLoopback(owner Owner) *Interface {
	i := New(LoopbackName, owner)
	i.ip = LoopbackIP
	i.prefixLen = 8
	return i
}

func (i *Interface) Name() string { return i.name }

func (i *Interface) String() string { return i.name }

func (i *Interface) Owner() Owner { return i.owner }

func (i *Interface) IP() string { return i.ip }

func (i *Interface) PrefixLen() int { return i.prefixLen }

func (i *Interface) MAC() string { return i.mac }

func (i *Interface) Shaped() bool { return i.tc }

// Properties returns the shaping applied by the last Configure.
func (i *Interface) Properties() api.LinkProperties { return i.props }

// LinkID is the id of the link owning the interface, 0 when unlinked.
func (i *Interface) LinkID() int { return i.linkID }

// SetLinkID records the owning link; 0 clears it.
func (i *Interface) SetLinkID(id int) { i.linkID = id }

func (i *Interface) IsLoopback() bool { return i.name == LoopbackName }

func (i *Interface) cmd(format string, v ...interface{}) (string, error) {
	return i.owner.Cmd(fmt.Sprintf(format, v...))
}

// Configure applies addresses, state and shaping. Out of range shaping
// parameters and failing tc commands are reported in the result but do not
// make Configure fail.
func (i *Interface) Configure(p Params) (*Result, error) {
	if p.MAC != "" {
		if err := i.SetMAC(p.MAC); err != nil {
			return nil, err
		}
	}
	if p.IP != "" {
		if err := i.SetIP(p.IP, p.PrefixLen); err != nil {
			return nil, err
		}
	}
	up := p.Up == nil || *p.Up
	if err := i.SetUp(up); err != nil {
		return nil, err
	}
	if p.Ifconfig != "" {
		if out, err := i.cmd("ifconfig %s %s", i.name, p.Ifconfig); err != nil {
			return nil, err
		} else if out != "" {
			i.logger.Warnf("ifconfig: %s", strings.TrimSpace(out))
		}
	}
	if !i.tc {
		if p.LinkProperties.Shaped() {
			i.logger.Warn("shaping requested on an interface without tc support")
		}
		return &Result{}, nil
	}
	return i.shape(p.LinkProperties)
}

// SetIP assigns ip (optionally "a.b.c.d/len") replacing any IPv4 address.
func (i *Interface) SetIP(ip string, prefixLen int) error {
	if prefixLen <= 0 {
		prefixLen = DefaultPrefixLen
	}
	addr, plen, err := util.SplitCIDR(ip, prefixLen)
	if err != nil {
		return err
	}
	out, err := i.cmd("ip -4 addr flush dev %s && ip addr add %s/%d dev %s", i.name, addr, plen, i.name)
	if err != nil {
		return err
	}
	if out != "" {
		return errors.Errorf("%s: cannot set address %s/%d: %s", i.name, addr, plen, strings.TrimSpace(out))
	}
	i.ip, i.prefixLen = addr, plen
	return nil
}

// SetMAC changes the hardware address.
func (i *Interface) SetMAC(mac string) error {
	out, err := i.cmd("ip link set dev %s address %s", i.name, mac)
	if err != nil {
		return err
	}
	if out != "" {
		return errors.Errorf("%s: cannot set MAC %s: %s", i.name, mac, strings.TrimSpace(out))
	}
	i.mac = strings.ToLower(mac)
	return nil
}

// SetUp brings the interface up or down.
func (i *Interface) SetUp(up bool) error {
	state := "down"
	if up {
		state = "up"
	}
	out, err := i.cmd("ip link set dev %s %s", i.name, state)
	if err != nil {
		return err
	}
	if out != "" {
		return errors.Errorf("%s: cannot set %s: %s", i.name, state, strings.TrimSpace(out))
	}
	return nil
}

// IsUp reads the administrative state from the system.
func (i *Interface) IsUp() (bool, error) {
	out, err := i.cmd("ip link show dev %s", i.name)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, ",UP") || strings.Contains(out, "<UP"), nil
}

// UpdateIP re-reads the IPv4 address from the system.
func (i *Interface) UpdateIP() (string, error) {
	out, err := i.cmd("ip -4 addr show dev %s", i.name)
	if err != nil {
		return "", err
	}
	i.ip, i.prefixLen = parseIP(out)
	return i.ip, nil
}

// UpdateMAC re-reads the hardware address from the system.
func (i *Interface) UpdateMAC() (string, error) {
	out, err := i.cmd("ip link show dev %s", i.name)
	if err != nil {
		return "", err
	}
	i.mac = parseMAC(out)
	return i.mac, nil
}

// UpdateAddress re-reads both addresses with a single command.
func (i *Interface) UpdateAddress() (string, string, error) {
	out, err := i.cmd("ip addr show dev %s", i.name)
	if err != nil {
		return "", "", err
	}
	i.ip, i.prefixLen = parseIP(out)
	i.mac = parseMAC(out)
	return i.ip, i.mac, nil
}

func parseIP(out string) (string, int) {
	m := inetRegexp.FindStringSubmatch(out)
	if m == nil {
		return "", 0
	}
	plen, _ := strconv.Atoi(m[2])
	return m[1], plen
}

func parseMAC(out string) string {
	m := etherRegexp.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// Status is "OK" when the interface is in the owner's interface table,
// "MISSING" otherwise.
func (i *Interface) Status() (string, error) {
	out, err := i.owner.Cmd("ip -o link show")
	if err != nil {
		return "", err
	}
	for _, name := range LinkNames(out) {
		if name == i.name {
			return "OK", nil
		}
	}
	return "MISSING", nil
}

// LinkNames extracts interface names from `ip -o link show` output.
func LinkNames(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(line, ": ", 3)
		if len(fields) < 2 {
			continue
		}
		name := fields[1]
		if at := strings.IndexByte(name, '@'); at >= 0 {
			name = name[:at]
		}
		names = append(names, strings.TrimSuffix(name, ":"))
	}
	return names
}

// Rename changes the interface name on the system.
func (i *Interface) Rename(name string) error {
	if err := util.CheckIfName(name); err != nil {
		return err
	}
	out, err := i.cmd("ip link set dev %s down && ip link set dev %s name %s && ip link set dev %s up",
		i.name, i.name, name, name)
	if err != nil {
		return err
	}
	if out != "" {
		return errors.Errorf("%s: cannot rename to %s: %s", i.name, name, strings.TrimSpace(out))
	}
	i.name = name
	i.logger = log.WithFields(log.Fields{"node": i.owner.Name(), "intf": name})
	return nil
}

// Delete removes the interface from the system. Deleting a missing
// interface is not an error.
func (i *Interface) Delete() error {
	_, err := i.cmd("ip link del dev %s 2>/dev/null", i.name)
	return err
}

// Describe fills an api.NodeInterface from the cached state.
func (i *Interface) Describe() api.NodeInterface {
	ip := i.ip
	if ip != "" {
		ip = fmt.Sprintf("%s/%d", ip, i.prefixLen)
	}
	return api.NodeInterface{
		Name:     i.name,
		NodeName: i.owner.Name(),
		Mac:      i.mac,
		Ipv4:     ip,
	}
}
