// Package portutil picks the TCP port the API server binds when the config
// leaves it at 0.
package portutil

import (
	"fmt"
	"net"
	"strconv"
)

// MaxPort is the highest TCP port.
const MaxPort = 65535

// Free asks the OS for a free port on host. An empty host means all
// interfaces, the same as a ":port" listen address.
func Free(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("finding free port on %q: %w", host, err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Pick returns the first port from preferred upwards, within attempts
// tries, that host can bind. It falls back to Free when all of them are
// taken or preferred is out of range.
func Pick(host string, preferred, attempts int) (int, error) {
	for port := preferred; port < preferred+attempts && port > 0 && port <= MaxPort; port++ {
		if Bindable(host, port) {
			return port, nil
		}
	}
	return Free(host)
}

// Bindable reports whether host:port can be listened on right now.
func Bindable(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
