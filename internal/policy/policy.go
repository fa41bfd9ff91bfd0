package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

const (
	envPreset               = "LEG_POLICY_PRESET"
	envAllowPrivateNetworks = "LEG_ALLOW_PRIVATE_NETWORKS"
	envAllowCIDRs           = "LEG_ALLOW_CIDRS"
	envDenyCIDRs            = "LEG_DENY_CIDRS"
	envAllowPorts           = "LEG_ALLOW_PORTS"
	envDenyPorts            = "LEG_DENY_PORTS"
)

// LegPolicy controls which source addresses may bind a session leg.
//
// Evaluation order:
//  1. Port denylist
//  2. Port allowlist (if configured)
//  3. Built-in private/special-range denies (when AllowPrivateNetworks=false)
//  4. CIDR denylist
//  5. CIDR allowlist (if configured), otherwise DefaultAllow
//
// Deny rules always override allow rules.
type LegPolicy struct {
	DefaultAllow bool

	// AllowPrivateNetworks disables the built-in denylist of loopback,
	// RFC1918, link-local, CGNAT, multicast and reserved ranges.
	AllowPrivateNetworks bool

	AllowCIDRs []netip.Prefix
	DenyCIDRs  []netip.Prefix

	AllowPorts []PortRange
	DenyPorts  []PortRange
}

type PortRange struct {
	Start uint16
	End   uint16
}

// NewOpenLegPolicy admits every source address. It matches the relay's
// historical behavior and is the default.
func NewOpenLegPolicy() *LegPolicy {
	return &LegPolicy{
		DefaultAllow:         true,
		AllowPrivateNetworks: true,
	}
}

// NewPublicLegPolicy admits any globally routable source but rejects
// private and special-purpose ranges.
func NewPublicLegPolicy() *LegPolicy {
	return &LegPolicy{
		DefaultAllow:         true,
		AllowPrivateNetworks: false,
	}
}

// NewStrictLegPolicy denies everything unless LEG_ALLOW_CIDRS says otherwise.
func NewStrictLegPolicy() *LegPolicy {
	return &LegPolicy{
		DefaultAllow:         false,
		AllowPrivateNetworks: false,
	}
}

// NewLegPolicyFromEnv builds a LegPolicy from the process environment.
func NewLegPolicyFromEnv() (*LegPolicy, error) {
	return NewLegPolicyFromLookup(os.LookupEnv)
}

// NewLegPolicyFromLookup builds a LegPolicy from LEG_* variables read
// through lookup.
func NewLegPolicyFromLookup(lookup func(string) (string, bool)) (*LegPolicy, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	var p *LegPolicy
	switch preset := strings.ToLower(get(envPreset)); preset {
	case "", "open":
		p = NewOpenLegPolicy()
	case "public":
		p = NewPublicLegPolicy()
	case "strict":
		p = NewStrictLegPolicy()
	default:
		return nil, fmt.Errorf("leg policy: unknown %s %q (expected open, public or strict)", envPreset, preset)
	}

	if v := get(envAllowPrivateNetworks); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("leg policy: invalid %s %q", envAllowPrivateNetworks, v)
		}
		p.AllowPrivateNetworks = b
	}

	var err error
	if v := get(envAllowCIDRs); v != "" {
		if p.AllowCIDRs, err = parseCIDRList(v); err != nil {
			return nil, fmt.Errorf("leg policy: invalid %s: %w", envAllowCIDRs, err)
		}
	}
	if v := get(envDenyCIDRs); v != "" {
		if p.DenyCIDRs, err = parseCIDRList(v); err != nil {
			return nil, fmt.Errorf("leg policy: invalid %s: %w", envDenyCIDRs, err)
		}
	}
	if v := get(envAllowPorts); v != "" {
		if p.AllowPorts, err = parsePortRangeList(v); err != nil {
			return nil, fmt.Errorf("leg policy: invalid %s: %w", envAllowPorts, err)
		}
	}
	if v := get(envDenyPorts); v != "" {
		if p.DenyPorts, err = parsePortRangeList(v); err != nil {
			return nil, fmt.Errorf("leg policy: invalid %s: %w", envDenyPorts, err)
		}
	}
	return p, nil
}

// IsOpen reports whether the policy admits every address, which lets
// callers skip evaluation entirely.
func (p *LegPolicy) IsOpen() bool {
	if p == nil {
		return true
	}
	return p.DefaultAllow && p.AllowPrivateNetworks &&
		len(p.AllowCIDRs) == 0 && len(p.DenyCIDRs) == 0 &&
		len(p.AllowPorts) == 0 && len(p.DenyPorts) == 0
}

// AllowLeg returns nil when addr may bind a leg. A nil policy admits all.
func (p *LegPolicy) AllowLeg(addr netip.AddrPort) error {
	if p == nil {
		return nil
	}
	ip := addr.Addr().Unmap()
	port := addr.Port()
	if !ip.IsValid() {
		return errors.New("leg policy: invalid source address")
	}

	if portInRanges(port, p.DenyPorts) {
		return fmt.Errorf("leg policy: source port %d denied", port)
	}
	if len(p.AllowPorts) > 0 && !portInRanges(port, p.AllowPorts) {
		return fmt.Errorf("leg policy: source port %d not in allowlist", port)
	}

	if !p.AllowPrivateNetworks && ipInPrefixes(ip, defaultDeniedPrefixes) {
		return fmt.Errorf("leg policy: source %s denied (private/special range)", ip)
	}
	if ipInPrefixes(ip, p.DenyCIDRs) {
		return fmt.Errorf("leg policy: source %s denied by CIDR rule", ip)
	}
	if len(p.AllowCIDRs) > 0 {
		if ipInPrefixes(ip, p.AllowCIDRs) {
			return nil
		}
		return fmt.Errorf("leg policy: source %s not in allowlist", ip)
	}
	if p.DefaultAllow {
		return nil
	}
	return fmt.Errorf("leg policy: source %s denied by default", ip)
}

func parseCIDRList(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

func parsePortRangeList(v string) ([]PortRange, error) {
	var out []PortRange
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		startStr, endStr, hasRange := strings.Cut(raw, "-")
		start, err := parsePort(strings.TrimSpace(startStr))
		if err != nil {
			return nil, err
		}
		end := start
		if hasRange {
			if end, err = parsePort(strings.TrimSpace(endStr)); err != nil {
				return nil, err
			}
			if start > end {
				return nil, fmt.Errorf("invalid port range %q: start > end", raw)
			}
		}
		out = append(out, PortRange{Start: start, End: end})
	}
	return out, nil
}

func parsePort(v string) (uint16, error) {
	if v == "" {
		return 0, errors.New("empty port")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", v)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return uint16(n), nil
}

func portInRanges(port uint16, ranges []PortRange) bool {
	for _, r := range ranges {
		if port >= r.Start && port <= r.End {
			return true
		}
	}
	return false
}

func ipInPrefixes(ip netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

var defaultDeniedPrefixes = []netip.Prefix{
	// loopback
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	// link-local
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fe80::/10"),
	// RFC1918 / RFC4193
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	// CGNAT
	netip.MustParsePrefix("100.64.0.0/10"),
	// multicast
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("ff00::/8"),
	// reserved, unspecified, broadcast
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
}
