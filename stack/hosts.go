package stack

import (
	"bufio"
	"net/netip"
	"os"
	"strings"

	"github.com/c360/trdpsim/errors"
)

// ParseHostsFile reads a TRDP hosts file into a URI table suitable for
// WithHosts. The format follows /etc/hosts: an IPv4 address followed by
// one or more whitespace-separated URIs, with '#' starting a comment.
// Every URI on a line maps to the line's address; malformed lines are
// skipped.
func ParseHostsFile(path string) (map[string]netip.Addr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "stack", "ParseHostsFile", path)
	}
	defer func() { _ = f.Close() }()

	hosts := make(map[string]netip.Addr)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, err := netip.ParseAddr(fields[0])
		if err != nil || !ip.Is4() {
			continue
		}
		for _, uri := range fields[1:] {
			hosts[uri] = ip
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapInvalid(err, "stack", "ParseHostsFile", path)
	}
	return hosts, nil
}
