// Package security restricts outbound requests made on behalf of callers.
//
// Dataset references arrive from API clients, so the HTTP client that reads
// remote Zarr stores must not reach internal infrastructure such as the
// instance metadata service (169.254.169.254), localhost or private networks.
// Guard validates every resolved address at dial time and on each redirect.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"
)

const defaultDNSTimeout = 500 * time.Millisecond

var (
	// ErrBlocked is returned when a request targets a blocked address.
	ErrBlocked = errors.New("egress: request to blocked address")
	// ErrDNSFailed is returned when a host cannot be resolved in time.
	ErrDNSFailed = errors.New("egress: DNS resolution failed")
	// ErrTooManyRedirects is returned when the redirect limit is exceeded.
	ErrTooManyRedirects = errors.New("egress: too many redirects")
)

// BlockedPrefixes are the ranges no dataset read may reach.
var BlockedPrefixes = []string{
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // private
	"172.16.0.0/12",  // private
	"192.168.0.0/16", // private
	"169.254.0.0/16", // link-local, cloud metadata
	"0.0.0.0/8",
	"224.0.0.0/4",   // multicast
	"240.0.0.0/4",   // reserved
	"100.64.0.0/10", // carrier-grade NAT
	"198.18.0.0/15", // benchmarking
	"fc00::/7",
	"fe80::/10",
	"::1/128",
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard decides which addresses outbound connections may reach.
type Guard struct {
	blocked    []netip.Prefix
	allowed    []netip.Prefix
	resolver   Resolver
	dnsTimeout time.Duration
	dialer     *net.Dialer
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) GuardOption {
	return func(g *Guard) { g.resolver = r }
}

// WithDNSTimeout overrides the per-lookup timeout.
func WithDNSTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.dnsTimeout = d }
}

// WithAllowed exempts the given prefixes from the block list. Used for local
// object stores such as MinIO on a private network.
func WithAllowed(prefixes ...netip.Prefix) GuardOption {
	return func(g *Guard) { g.allowed = append(g.allowed, prefixes...) }
}

// NewGuard creates a Guard blocking BlockedPrefixes.
func NewGuard(opts ...GuardOption) (*Guard, error) {
	g := &Guard{
		resolver:   net.DefaultResolver,
		dnsTimeout: defaultDNSTimeout,
		dialer:     &net.Dialer{Timeout: 10 * time.Second},
	}
	for _, s := range BlockedPrefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("egress: parsing prefix %q: %w", s, err)
		}
		g.blocked = append(g.blocked, p)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Blocked reports whether ip falls in a blocked range.
func (g *Guard) Blocked(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range g.allowed {
		if p.Contains(ip) {
			return false
		}
	}
	for _, p := range g.blocked {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Check resolves host and fails if any of its addresses is blocked. All
// addresses are checked so a host cannot mix a public and a private record.
func (g *Guard) Check(ctx context.Context, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		if g.Blocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, ip)
		}
		return []netip.Addr{ip}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, g.dnsTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: host %q: %v", ErrDNSFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q has no addresses", ErrDNSFailed, host)
	}

	ips := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return nil, fmt.Errorf("%w: host %q returned an invalid address", ErrDNSFailed, host)
		}
		if g.Blocked(ip) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlocked, ip.Unmap(), host)
		}
		ips = append(ips, ip.Unmap())
	}
	return ips, nil
}

// DialContext dials the first address of a checked host. It pins the
// connection to the address that passed the check.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egress: invalid address %q: %w", addr, err)
	}
	ips, err := g.Check(ctx, host)
	if err != nil {
		return nil, err
	}
	return g.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// CheckRedirect returns an http.Client CheckRedirect func that enforces a
// redirect limit and checks every redirect target.
func (g *Guard) CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}
		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrBlocked)
		}
		_, err := g.Check(req.Context(), host)
		return err
	}
}

// NewHTTPClient returns a client whose connections go through g.
func NewHTTPClient(g *Guard, timeout time.Duration, maxRedirects int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = g.DialContext
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: g.CheckRedirect(maxRedirects),
	}
}
