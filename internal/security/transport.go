// Package security guards the intake's outbound HTTP requests.
//
// The webhook fetches the SubscribeURL carried in subscription-confirmation
// envelopes, and that URL arrives in an unauthenticated request body. A
// forged envelope must not be able to point the service at internal
// infrastructure (instance metadata, localhost, private ranges), so the
// confirmation client dials through a transport that validates every
// resolved address against a blocklist.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// dnsTimeout caps DNS resolution during dial and redirect checks.
const dnsTimeout = 500 * time.Millisecond

// ErrBlockedAddress is returned when a request targets a blocked IP range.
var ErrBlockedAddress = errors.New("security: request to blocked address")

// ErrTooManyRedirects is returned when the redirect limit is exceeded.
var ErrTooManyRedirects = errors.New("security: too many redirects")

// blockedCIDRs covers loopback, link-local (including the cloud metadata
// endpoint at 169.254.169.254), RFC 1918 private ranges, and their IPv6
// equivalents.
var blockedCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var (
	blockedNets []*net.IPNet
	parseOnce   sync.Once
)

func parseBlockedNets() {
	parseOnce.Do(func() {
		blockedNets = make([]*net.IPNet, 0, len(blockedCIDRs))
		for _, cidr := range blockedCIDRs {
			// The list is a package constant; a parse failure is a
			// programming error, not a runtime condition.
			_, ipNet, err := net.ParseCIDR(cidr)
			if err != nil {
				panic(fmt.Sprintf("security: bad blocklist CIDR %q: %v", cidr, err))
			}
			blockedNets = append(blockedNets, ipNet)
		}
	})
}

func isBlocked(ip net.IP) bool {
	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SafeTransport is an http.RoundTripper whose dialer refuses connections to
// blocked address ranges. Validation happens at dial time against every
// resolved IP, so a hostname cannot smuggle in a private address alongside
// a public one.
type SafeTransport struct {
	base     *http.Transport
	resolver Resolver
}

// NewSafeTransport wraps base (or a fresh http.Transport when nil) with
// address validation. resolver may be nil, in which case the default
// resolver is used.
func NewSafeTransport(base *http.Transport, resolver Resolver) *SafeTransport {
	parseBlockedNets()
	if base == nil {
		base = &http.Transport{}
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	st := &SafeTransport{base: base, resolver: resolver}
	base.DialContext = st.dialContext
	return st
}

// RoundTrip implements http.RoundTripper.
func (st *SafeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return st.base.RoundTrip(req)
}

func (st *SafeTransport) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("security: invalid address %q: %w", addr, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, ip)
		}
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := st.resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		return nil, fmt.Errorf("security: resolving %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("security: host %q resolved to no addresses", host)
	}
	for _, ipAddr := range ips {
		if isBlocked(ipAddr.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrBlockedAddress, ipAddr.IP, host)
		}
	}

	// Dial the address we validated, not the hostname, so a second
	// resolution cannot return a different answer.
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

// checkRedirect validates redirect targets against the blocklist and caps
// the chain length.
func checkRedirect(maxRedirects int, resolver Resolver) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrTooManyRedirects, maxRedirects)
		}

		host := req.URL.Hostname()
		if host == "" {
			return fmt.Errorf("%w: redirect URL has no host", ErrBlockedAddress)
		}
		if ip := net.ParseIP(host); ip != nil {
			if isBlocked(ip) {
				return fmt.Errorf("%w: redirect to %s", ErrBlockedAddress, ip)
			}
			return nil
		}

		dnsCtx, cancel := context.WithTimeout(req.Context(), dnsTimeout)
		defer cancel()

		ips, err := resolver.LookupIPAddr(dnsCtx, host)
		if err != nil {
			return fmt.Errorf("security: resolving redirect host %q: %w", host, err)
		}
		for _, ipAddr := range ips {
			if isBlocked(ipAddr.IP) {
				return fmt.Errorf("%w: redirect to %s (resolved from %s)", ErrBlockedAddress, ipAddr.IP, host)
			}
		}
		return nil
	}
}

// NewConfirmClient builds the http.Client the webhook uses to fetch
// subscription-confirmation URLs: blocklist-validated dials and redirects,
// with the given overall timeout.
func NewConfirmClient(timeout time.Duration, maxRedirects int) *http.Client {
	parseBlockedNets()
	return &http.Client{
		Transport:     NewSafeTransport(nil, nil),
		Timeout:       timeout,
		CheckRedirect: checkRedirect(maxRedirects, net.DefaultResolver),
	}
}
