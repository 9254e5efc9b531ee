package node

import (
	"net"
	"strings"
)

// NormalizeHostPort strips a URL scheme from addr and appends defPort when
// addr carries no port.
func NormalizeHostPort(addr, defPort string) string {
	for _, scheme := range []string{"http://", "https://", "ws://", "wss://", "tcp://"} {
		if rest, ok := strings.CutPrefix(addr, scheme); ok {
			addr = rest
			break
		}
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defPort)
}
