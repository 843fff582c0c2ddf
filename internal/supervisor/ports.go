package supervisor

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DefaultPortAttempts is how many consecutive ports are tried.
const DefaultPortAttempts = 10

// ErrPortExhausted is returned when no port in the probed range is free.
var ErrPortExhausted = errors.New("no available port")

// PortProbe reports whether host:port can be bound.
type PortProbe func(host string, port int) bool

// ListenProbe binds and immediately releases a TCP listener.
func ListenProbe(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindPort returns the first bindable port in [preferred, preferred+attempts).
func FindPort(host string, preferred, attempts int, probe PortProbe) (int, error) {
	if attempts <= 0 {
		attempts = DefaultPortAttempts
	}
	if probe == nil {
		probe = ListenProbe
	}

	last := preferred + attempts - 1
	for port := preferred; port <= last; port++ {
		if port > 65535 {
			break
		}
		if probe(host, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in range %d-%d on %s", ErrPortExhausted, preferred, last, host)
}
