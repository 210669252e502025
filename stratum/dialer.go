package stratum

import (
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer opens the TCP connection to a pool. It exists as an interface,
// rather than calling net.Dial directly, so a proxied connection can be
// substituted without touching the rest of the connection engine — the
// same shape the teacher's tor.Client uses to put a SOCKS5 proxy.Dialer
// behind a plain Dial/DialTimeout surface.
type Dialer interface {
	DialTimeout(network, address string, timeout time.Duration) (net.Conn, error)
}

// directDialer dials the pool directly over TCP.
type directDialer struct{}

func (directDialer) DialTimeout(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

// proxyDialer routes the connection through a SOCKS5 proxy (e.g. a local
// Tor client), the way the teacher's tor.Client does for .onion addresses.
// golang.org/x/net/proxy's Dialer has no timeout parameter of its own, so
// DialTimeout here ignores its timeout argument: a proxied dial is not
// bounded by Config.Timeout.
type proxyDialer struct {
	dialer proxy.Dialer
}

func newProxyDialer(proxyAddr string) (*proxyDialer, error) {
	d, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, wrapErr(KindConnection, "failed to build SOCKS5 dialer for "+proxyAddr, err)
	}
	return &proxyDialer{dialer: d}, nil
}

func (p *proxyDialer) DialTimeout(network, address string, _ time.Duration) (net.Conn, error) {
	return p.dialer.Dial(network, address)
}

// newDialer builds the Dialer implied by a config's ProxyAddr.
func newDialer(proxyAddr string) (Dialer, error) {
	if proxyAddr == "" {
		return directDialer{}, nil
	}
	return newProxyDialer(proxyAddr)
}
