package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// ValidateProxyURL accepts http, https, socks5 and socks5h proxy URLs.
func ValidateProxyURL(raw string) error {
	_, err := parseProxyURL(raw)
	return err
}

func parseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url has no host: %q", raw)
	}
	return u, nil
}

// applyProxy routes every relay dial through raw. A proxy that cannot be set
// up makes dials fail rather than silently going direct.
func applyProxy(d *websocket.Dialer, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := parseProxyURL(raw)
	if err == nil {
		switch u.Scheme {
		case "http", "https":
			d.Proxy = http.ProxyURL(u)
			return nil
		default:
			var pd proxy.Dialer
			if pd, err = proxy.FromURL(u, proxy.Direct); err == nil {
				if cd, ok := pd.(proxy.ContextDialer); ok {
					d.NetDialContext = cd.DialContext
				} else {
					d.NetDialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
						return pd.Dial(network, addr)
					}
				}
				return nil
			}
		}
	}
	d.NetDialContext = func(context.Context, string, string) (net.Conn, error) {
		return nil, fmt.Errorf("relay proxy unavailable: %w", err)
	}
	return err
}
