package util

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// maxIfNameLen is IFNAMSIZ minus the trailing NUL.
const maxIfNameLen = 15

var ipv4CIDRRegexp = regexp.MustCompile(`^([0-9]{1,3}\.){3}[0-9]{1,3}(/([0-9]|[1-2][0-9]|3[0-2]))?$`)

// CheckIpv4 reports whether ip looks like 10.0.0.1 or 10.0.0.1/24.
func CheckIpv4(ip string) bool {
	if !ipv4CIDRRegexp.MatchString(ip) {
		return false
	}

	ipAddress := strings.Split(ip, "/")[0]

	// check each part of the IP address
	for _, part := range strings.Split(ipAddress, ".") {
		if val, err := strconv.Atoi(part); err != nil || val < 0 || val > 255 {
			return false
		}
	}
	return true
}

// SplitCIDR splits "10.0.0.1/24" into its address and prefix length. When
// no prefix is given, defaultPrefix is used.
func SplitCIDR(cidr string, defaultPrefix int) (string, int, error) {
	if !CheckIpv4(cidr) {
		return "", 0, errors.Errorf("invalid IPv4 address: %q", cidr)
	}
	parts := strings.SplitN(cidr, "/", 2)
	ip := net.ParseIP(parts[0]).To4()
	if ip == nil {
		return "", 0, errors.Errorf("invalid IPv4 address: %q", cidr)
	}
	if len(parts) == 1 {
		return ip.String(), defaultPrefix, nil
	}
	prefix, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid prefix length in %q", cidr)
	}
	return ip.String(), prefix, nil
}

// IpToInt converts a dotted IPv4 address (a /prefix suffix is ignored) to
// its integer value.
func IpToInt(IP string) (uint32, error) {
	if strings.Contains(IP, "/") {
		IP = strings.Split(IP, "/")[0]
	}
	ip := net.ParseIP(IP)
	if ip == nil {
		return 0, errors.Errorf("invalid IP address: %v", IP)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, errors.New("only IPv4 addresses are supported")
	}
	return (uint32(ip4[0]) << 24) | (uint32(ip4[1]) << 16) | (uint32(ip4[2]) << 8) | uint32(ip4[3]), nil
}

// IntToIp is the inverse of IpToInt.
func IntToIp(v uint32) string {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).String()
}

// IPAdd returns the i-th host address inside base/prefix, e.g.
// IPAdd(1, 8, "10.0.0.0") is 10.0.0.1.
func IPAdd(i uint32, prefix int, base string) (string, error) {
	if prefix < 0 || prefix > 32 {
		return "", errors.Errorf("invalid prefix length %d", prefix)
	}
	b, err := IpToInt(base)
	if err != nil {
		return "", err
	}
	hostBits := uint(32 - prefix)
	if hostBits < 32 && uint64(i) >= uint64(1)<<hostBits {
		return "", errors.Errorf("not enough addresses in %s/%d for host %d", base, prefix, i)
	}
	var mask uint32
	if prefix > 0 {
		mask = ^uint32(0) << hostBits
	}
	return IntToIp((b & mask) + i), nil
}

// MACFromIndex builds a locally administered unicast MAC from an index,
// e.g. 1 -> 00:00:00:00:00:01.
func MACFromIndex(i uint64) string {
	var parts [6]string
	for k := 5; k >= 0; k-- {
		parts[k] = fmt.Sprintf("%02x", byte(i))
		i >>= 8
	}
	return strings.Join(parts[:], ":")
}

// IntfName returns the canonical interface name of port n on node.
func IntfName(node string, n int) string {
	return fmt.Sprintf("%s-eth%d", node, n)
}

// CheckIfName returns an error when name cannot be a Linux interface name.
func CheckIfName(name string) error {
	if name == "" || len(name) > maxIfNameLen {
		return errors.Errorf("interface name %q must be 1..%d characters long", name, maxIfNameLen)
	}
	if strings.ContainsAny(name, "/ \t\n:") {
		return errors.Errorf("interface name %q contains invalid characters", name)
	}
	return nil
}
