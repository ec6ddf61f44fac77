package swarm

import (
	"context"
	"errors"
	"net"
	nurl "net/url"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer opens peer connections.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer returns a direct dialer, or one going through the proxy at
// proxyURL (e.g. socks5://127.0.0.1:9050) when it is set.
func NewDialer(proxyURL string, timeout time.Duration) (Dialer, error) {
	direct := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if proxyURL == "" {
		return direct, nil
	}
	u, err := nurl.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("proxy dialer does not support contexts")
	}
	return cd, nil
}
