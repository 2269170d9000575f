// Package upstream resolves the configured backend address into the
// process-wide upstream target.
package upstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/model"
)

// tlsPort is the only port that selects https.
const tlsPort = 443

// SchemeForPort returns "https" for port 443 and "http" for anything else.
func SchemeForPort(port int) string {
	if port == tlsPort {
		return "https"
	}
	return "http"
}

// lookupTimeout bounds the startup name lookup of the upstream host.
const lookupTimeout = 10 * time.Second

// HostResolver looks up host names. *net.Resolver implements it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NewTarget builds the UpstreamTarget from the loaded configuration and
// checks that the host resolves, so a bad upstream fails startup instead of
// every request.
func NewTarget(cfg *config.Config) (model.UpstreamTarget, error) {
	return newTarget(cfg, net.DefaultResolver)
}

func newTarget(cfg *config.Config, r HostResolver) (model.UpstreamTarget, error) {
	target, err := Resolve(cfg.Upstream.Host, cfg.Upstream.Port)
	if err != nil {
		return model.UpstreamTarget{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if err := CheckResolvable(ctx, r, target.Host); err != nil {
		return model.UpstreamTarget{}, err
	}
	return target, nil
}

// CheckResolvable reports an error when host has no addresses. IP literals
// are accepted without a lookup. The target keeps the name, so the address
// is looked up again per connection.
func CheckResolvable(ctx context.Context, r HostResolver, host string) error {
	if net.ParseIP(host) != nil {
		return nil
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("config: upstream host %q does not resolve: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("config: upstream host %q has no addresses", host)
	}
	return nil
}

// Resolve turns a host and port into an UpstreamTarget. "localhost" is
// rewritten to 127.0.0.1.
func Resolve(host string, port int) (model.UpstreamTarget, error) {
	host = config.NormalizeHost(host)
	if host == "" {
		return model.UpstreamTarget{}, fmt.Errorf("upstream: empty host")
	}
	if port < 1 || port > 65535 {
		return model.UpstreamTarget{}, fmt.Errorf("upstream: port must be 1–65535; got %d", port)
	}

	return model.UpstreamTarget{
		Scheme: SchemeForPort(port),
		Host:   host,
		Port:   port,
	}, nil
}
