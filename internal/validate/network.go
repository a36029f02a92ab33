package validate

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ListenAddress checks that addr is host:port with a port in 0-65535. The
// host may be empty to listen on every interface.
func ListenAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: address cannot be empty", ErrInvalidAddress)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%w: %q: port must be 0-65535", ErrInvalidAddress, addr)
	}
	return nil
}

// RendezvousURL checks that raw is a ws:// or wss:// URL with a host.
func RendezvousURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidURL, raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: %q: scheme must be ws or wss", ErrInvalidURL, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidURL, raw)
	}
	return nil
}

var iceSchemes = []string{"stun:", "stuns:", "turn:", "turns:"}

// ICEServerURL checks that raw is a STUN or TURN URI.
func ICEServerURL(raw string) error {
	for _, scheme := range iceSchemes {
		if rest, ok := strings.CutPrefix(raw, scheme); ok {
			if rest == "" || strings.ContainsAny(rest, " \t\n") {
				return fmt.Errorf("%w: %q: missing or malformed host", ErrInvalidURL, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %q: scheme must be one of stun, stuns, turn, turns", ErrInvalidURL, raw)
}

// HTTPPath checks that p is an absolute URL path.
func HTTPPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: path %q must start with /", ErrInvalidURL, p)
	}
	if strings.ContainsAny(p, " ?#") {
		return fmt.Errorf("%w: path %q must not contain spaces, query or fragment", ErrInvalidURL, p)
	}
	return nil
}
