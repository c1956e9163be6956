package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
)

// DefaultBlockedRanges are the destinations a fetch may never reach.
var DefaultBlockedRanges = []string{
	"0.0.0.0/8",
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Policy is the set of blocked address ranges.
type Policy struct {
	blocked []netip.Prefix
}

// NewPolicy parses CIDR strings into a Policy.
func NewPolicy(cidrs []string) (Policy, error) {
	p := Policy{blocked: make([]netip.Prefix, 0, len(cidrs))}
	for _, c := range cidrs {
		prefix, err := netip.ParsePrefix(c)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid blocked range %q: %w", c, err)
		}
		p.blocked = append(p.blocked, prefix.Masked())
	}
	return p, nil
}

// DefaultPolicy returns the policy built from DefaultBlockedRanges.
func DefaultPolicy() Policy {
	p, err := NewPolicy(DefaultBlockedRanges)
	if err != nil {
		panic(err)
	}
	return p
}

// Blocks reports whether addr falls in a blocked range. Unspecified
// addresses are always blocked since dialing them reaches the local host.
func (p Policy) Blocks(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if addr.IsUnspecified() {
		return true
	}
	for _, prefix := range p.blocked {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Guard validates URLs and resolves them to a single safe address.
type Guard struct {
	policy   Policy
	resolver Resolver
}

// NewGuard creates a Guard. A nil resolver uses net.DefaultResolver.
func NewGuard(policy Policy, resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{policy: policy, resolver: resolver}
}

// Check parses rawURL, resolves its host and returns the address to dial.
// Every resolved address must be allowed; resolution failure is unsafe.
func (g *Guard) Check(ctx context.Context, rawURL string) (*url.URL, netip.Addr, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, netip.Addr{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, netip.Addr{}, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("%w: cannot resolve %s: %v", ErrUnsafeHost, host, err)
	}
	if len(addrs) == 0 {
		return nil, netip.Addr{}, fmt.Errorf("%w: no addresses for %s", ErrUnsafeHost, host)
	}
	for _, addr := range addrs {
		if g.policy.Blocks(addr) {
			return nil, netip.Addr{}, fmt.Errorf("%w: %s resolves to %s", ErrUnsafeHost, host, addr)
		}
	}

	return u, addrs[0].Unmap(), nil
}

// CheckURL is Check for callers that only need the verdict.
func (g *Guard) CheckURL(ctx context.Context, rawURL string) error {
	_, _, err := g.Check(ctx, rawURL)
	return err
}

func (g *Guard) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	// IP literals skip DNS.
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	return g.resolver.LookupNetIP(ctx, "ip", host)
}
