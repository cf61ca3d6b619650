package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResolver implements Resolver for deterministic testing.
type mockResolver struct {
	ips map[string][]string
}

func (m *mockResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	raw, ok := m.ips[host]
	if !ok {
		return nil, fmt.Errorf("no such host: %s", host)
	}
	addrs := make([]net.IPAddr, len(raw))
	for i, s := range raw {
		addrs[i] = net.IPAddr{IP: net.ParseIP(s)}
	}
	return addrs, nil
}

// slowResolver simulates a DNS resolver that takes too long.
type slowResolver struct{}

func (slowResolver) LookupIPAddr(ctx context.Context, _ string) ([]net.IPAddr, error) {
	select {
	case <-time.After(time.Second):
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestGuard(t *testing.T, opts ...GuardOption) *Guard {
	t.Helper()
	g, err := NewGuard(opts...)
	require.NoError(t, err)
	return g
}

func TestBlocked(t *testing.T) {
	g := newTestGuard(t)

	tests := []struct {
		ip      string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"::1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"::ffff:127.0.0.1", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.blocked, g.Blocked(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestWithAllowed(t *testing.T) {
	g := newTestGuard(t, WithAllowed(netip.MustParsePrefix("10.20.0.0/16")))

	assert.False(t, g.Blocked(netip.MustParseAddr("10.20.30.40")))
	assert.True(t, g.Blocked(netip.MustParseAddr("10.21.0.1")))
	assert.True(t, g.Blocked(netip.MustParseAddr("169.254.169.254")))
}

func TestCheck(t *testing.T) {
	g := newTestGuard(t, WithResolver(&mockResolver{ips: map[string][]string{
		"data.example.org": {"93.184.216.34"},
		"rebind.example":   {"93.184.216.34", "10.0.0.5"},
		"empty.example":    {},
	}}))
	ctx := context.Background()

	ips, err := g.Check(ctx, "data.example.org")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("93.184.216.34")}, ips)

	_, err = g.Check(ctx, "rebind.example")
	assert.ErrorIs(t, err, ErrBlocked)

	_, err = g.Check(ctx, "169.254.169.254")
	assert.ErrorIs(t, err, ErrBlocked)

	_, err = g.Check(ctx, "empty.example")
	assert.ErrorIs(t, err, ErrDNSFailed)

	_, err = g.Check(ctx, "unknown.example")
	assert.ErrorIs(t, err, ErrDNSFailed)
}

func TestCheck_DNSTimeout(t *testing.T) {
	g := newTestGuard(t, WithResolver(slowResolver{}), WithDNSTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := g.Check(context.Background(), "slow.example")

	assert.ErrorIs(t, err, ErrDNSFailed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHTTPClient_BlocksLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPClient(newTestGuard(t), 5*time.Second, 3)
	_, err := client.Get(srv.URL)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked), "got %v", err)
}

func TestHTTPClient_AllowedLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	g := newTestGuard(t, WithAllowed(netip.MustParsePrefix("127.0.0.0/8")))
	resp, err := NewHTTPClient(g, 5*time.Second, 3).Get(srv.URL)

	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPClient_BlocksRedirectToMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	g := newTestGuard(t, WithAllowed(netip.MustParsePrefix("127.0.0.0/8")))
	_, err := NewHTTPClient(g, 5*time.Second, 3).Get(srv.URL)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBlocked), "got %v", err)
}

func TestHTTPClient_RedirectLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/again", http.StatusFound)
	}))
	defer srv.Close()

	g := newTestGuard(t, WithAllowed(netip.MustParsePrefix("127.0.0.0/8")))
	_, err := NewHTTPClient(g, 5*time.Second, 2).Get(srv.URL)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyRedirects), "got %v", err)
}
