package pubsub

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// EndpointResolver computes the broker URL used for a new connection.
// It is called once per connection attempt, so signed or discovered URLs
// stay fresh across reconnects.
type EndpointResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// EndpointFunc adapts a function to EndpointResolver.
type EndpointFunc func(ctx context.Context) (string, error)

// Resolve calls f.
func (f EndpointFunc) Resolve(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticEndpoint always resolves to url, typically a ws:// or wss:// broker.
func StaticEndpoint(url string) EndpointResolver {
	return EndpointFunc(func(context.Context) (string, error) {
		if url == "" {
			return "", ErrNoEndpoint
		}
		return url, nil
	})
}

// URLSigner turns a bare endpoint into a pre-authorised connection URL.
type URLSigner interface {
	SignURL(ctx context.Context, rawURL string) (string, error)
}

// SignedEndpoint resolves to url signed by signer on every attempt.
func SignedEndpoint(url string, signer URLSigner) EndpointResolver {
	return EndpointFunc(func(ctx context.Context) (string, error) {
		if url == "" {
			return "", ErrNoEndpoint
		}
		if signer == nil {
			return "", fmt.Errorf("%w: no URL signer configured", ErrNoEndpoint)
		}
		signed, err := signer.SignURL(ctx, url)
		if err != nil {
			return "", fmt.Errorf("signing endpoint: %w", err)
		}
		return signed, nil
	})
}

// Discovery defaults.
const (
	DefaultDiscoveryService = "_mqtt._tcp"
	DefaultDiscoveryDomain  = "local."
	DefaultDiscoveryTimeout = 5 * time.Second
)

// DiscoveryConfig selects which mDNS service a DiscoveredEndpoint browses.
type DiscoveryConfig struct {
	// Service is the DNS-SD service type, e.g. "_mqtt._tcp".
	Service string

	// Domain is the browse domain, normally "local.".
	Domain string

	// Scheme is the URL scheme of the resolved endpoint ("tcp", "ws", ...).
	// Defaults to "tcp".
	Scheme string

	// Timeout bounds a single browse.
	Timeout time.Duration
}

// DiscoveredEndpoint resolves the broker by browsing mDNS for cfg.Service and
// taking the first instance that answers.
//
// A TXT record "path=/mqtt" is appended to the URL, which is how
// MQTT-over-WebSocket brokers advertise their upgrade path.
func DiscoveredEndpoint(cfg DiscoveryConfig) EndpointResolver {
	if cfg.Service == "" {
		cfg.Service = DefaultDiscoveryService
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDiscoveryDomain
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "tcp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultDiscoveryTimeout
	}

	return EndpointFunc(func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		entries := make(chan *zeroconf.ServiceEntry)
		removed := make(chan *zeroconf.ServiceEntry)

		go func() {
			_ = zeroconf.Browse(ctx, cfg.Service, cfg.Domain, entries, removed)
		}()

		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return "", fmt.Errorf("%w: browse for %s ended", ErrNoEndpoint, cfg.Service)
				}
				if url, ok := entryURL(cfg.Scheme, entry); ok {
					return url, nil
				}
			case <-removed:
			case <-ctx.Done():
				return "", fmt.Errorf("%w: no %s service found: %v", ErrNoEndpoint, cfg.Service, ctx.Err())
			}
		}
	})
}

// entryURL builds a broker URL from a discovered service instance.
func entryURL(scheme string, entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port <= 0 {
		return "", false
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return "", false
	}

	url := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(entry.Port))
	for _, txt := range entry.Text {
		if path, ok := strings.CutPrefix(txt, "path="); ok && path != "" {
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			url += path
			break
		}
	}
	return url, true
}
