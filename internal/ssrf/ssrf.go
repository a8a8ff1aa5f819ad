// Package ssrf validates every URL the broker fetches on behalf of a user
// (AI Router endpoints, webhook targets). A URL passes only if its scheme,
// hostname, and every resolved address are publicly routable.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultDNSTimeout bounds hostname resolution. A timeout is a rejection,
// never a pass.
const DefaultDNSTimeout = 5 * time.Second

type resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard checks URLs against the block list. The zero value is not usable;
// construct with New.
type Guard struct {
	resolver resolver
	timeout  time.Duration
}

// New returns a Guard using the system resolver.
func New() *Guard {
	return &Guard{resolver: net.DefaultResolver, timeout: DefaultDNSTimeout}
}

// NewWithResolver is for tests that need deterministic DNS.
func NewWithResolver(r resolver, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultDNSTimeout
	}
	return &Guard{resolver: r, timeout: timeout}
}

var blockedNets = []struct {
	prefix netip.Prefix
	reason string
}{
	{netip.MustParsePrefix("0.0.0.0/8"), "unspecified range"},
	{netip.MustParsePrefix("10.0.0.0/8"), "private range"},
	{netip.MustParsePrefix("100.64.0.0/10"), "carrier-grade NAT range"},
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback"},
	{netip.MustParsePrefix("169.254.0.0/16"), "link-local (includes cloud metadata)"},
	{netip.MustParsePrefix("172.16.0.0/12"), "private range"},
	{netip.MustParsePrefix("192.0.0.0/24"), "reserved"},
	{netip.MustParsePrefix("192.0.2.0/24"), "documentation range"},
	{netip.MustParsePrefix("192.168.0.0/16"), "private range"},
	{netip.MustParsePrefix("198.18.0.0/15"), "benchmarking range"},
	{netip.MustParsePrefix("198.51.100.0/24"), "documentation range"},
	{netip.MustParsePrefix("203.0.113.0/24"), "documentation range"},
	{netip.MustParsePrefix("224.0.0.0/4"), "multicast"},
	{netip.MustParsePrefix("240.0.0.0/4"), "reserved"},
	{netip.MustParsePrefix("::/128"), "unspecified"},
	{netip.MustParsePrefix("::1/128"), "loopback"},
	{netip.MustParsePrefix("fc00::/7"), "unique local range"},
	{netip.MustParsePrefix("fe80::/10"), "link-local"},
	{netip.MustParsePrefix("ff00::/8"), "multicast"},
}

// Check validates rawURL. It returns nil only when the scheme is http(s),
// the hostname is not a blocked name or IP literal, and DNS resolution
// (A+AAAA) returns exclusively public addresses.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", parsed.Scheme)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}

	if err := checkHostname(host); err != nil {
		return err
	}

	// IP literals (including octal, hex, and packed-decimal IPv4 forms)
	// are judged directly with no DNS round trip.
	if addr, ok := parseIPLiteral(host); ok {
		return checkAddr(addr)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("dns resolution of %q failed, treating as blocked: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("dns resolution of %q returned no addresses", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("%q resolves to blocked address: %w", host, err)
		}
	}
	return nil
}

func checkHostname(host string) error {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return fmt.Errorf("host %q is a localhost name", host)
	}
	if strings.HasSuffix(h, ".local") || strings.HasSuffix(h, ".internal") {
		return fmt.Errorf("host %q is an internal name", host)
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	// ::ffff:10.0.0.1 must be judged as 10.0.0.1, in both its dotted and
	// hex spellings.
	addr = addr.Unmap()
	for _, b := range blockedNets {
		if b.prefix.Contains(addr) {
			return fmt.Errorf("address %s blocked: %s", addr, b.reason)
		}
	}
	return nil
}

// parseIPLiteral recognizes standard textual IPs plus the inet_aton
// shorthand forms attackers use to smuggle numeric addresses past
// hostname checks: "0x7f000001", "0177.0.0.1", "2130706433", "127.1".
func parseIPLiteral(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}
	return parseNumericIPv4(host)
}

func parseNumericIPv4(host string) (netip.Addr, bool) {
	parts := strings.Split(host, ".")
	if len(parts) < 1 || len(parts) > 4 {
		return netip.Addr{}, false
	}
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return netip.Addr{}, false
		}
		// Base 0 gives inet_aton semantics: 0x -> hex, leading 0 -> octal.
		n, err := strconv.ParseUint(p, 0, 64)
		if err != nil {
			return netip.Addr{}, false
		}
		nums[i] = n
	}

	var v uint64
	switch len(nums) {
	case 1:
		v = nums[0]
	case 2:
		if nums[0] > 0xff || nums[1] > 0xffffff {
			return netip.Addr{}, false
		}
		v = nums[0]<<24 | nums[1]
	case 3:
		if nums[0] > 0xff || nums[1] > 0xff || nums[2] > 0xffff {
			return netip.Addr{}, false
		}
		v = nums[0]<<24 | nums[1]<<16 | nums[2]
	case 4:
		for _, n := range nums {
			if n > 0xff {
				return netip.Addr{}, false
			}
		}
		v = nums[0]<<24 | nums[1]<<16 | nums[2]<<8 | nums[3]
	}
	if v > 0xffffffff {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true
}
