package tcpengine

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AccessListMode specifies how the access list is used.
type AccessListMode string

const (
	// AccessListModeDisabled means no source filtering (default)
	AccessListModeDisabled AccessListMode = "disabled"
	// AccessListModeAllow accepts SYNs only from listed prefixes
	AccessListModeAllow AccessListMode = "allow"
	// AccessListModeDeny rejects SYNs from listed prefixes
	AccessListModeDeny AccessListMode = "deny"
)

// AccessListConfig configures source-address filtering for listeners.
// A SYN from a rejected source is dropped and answered with RST.
type AccessListConfig struct {
	// Mode specifies how the access list is used
	Mode AccessListMode `yaml:"mode" validate:"omitempty,oneof=disabled allow deny"`

	// Prefixes holds CIDR prefixes ("10.0.0.0/8") or bare addresses ("10.0.0.1").
	Prefixes []string `yaml:"prefixes"`

	// DisableRejectLogging disables log warnings when SYNs are rejected
	DisableRejectLogging bool `yaml:"disable_reject_logging"`
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{
		Mode:                 AccessListModeDisabled,
		Prefixes:             nil,
		DisableRejectLogging: false,
	}
}

// prefixes parses the configured prefix list.
func (c *AccessListConfig) prefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.Prefixes))
	for _, p := range c.Prefixes {
		prefix, err := parsePrefix(p)
		if err != nil {
			return nil, err
		}
		out = append(out, prefix)
	}
	return out, nil
}

// parsePrefix accepts either CIDR notation or a single address.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("access list prefix %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("access list address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// accessFilter implements source-address filtering.
type accessFilter struct {
	config *AccessListConfig
	mu     sync.RWMutex

	prefixes []netip.Prefix
}

// newAccessFilter creates a new access filter with the given config.
// Entries that fail to parse are logged and skipped.
func newAccessFilter(config *AccessListConfig) *accessFilter {
	af := &accessFilter{}
	af.SetConfig(config)
	return af
}

// SetConfig updates the filter configuration and rebuilds the prefix set.
func (af *accessFilter) SetConfig(config *AccessListConfig) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af.config = config
	af.rebuildPrefixes()
}

// GetConfig returns a copy of the current configuration.
func (af *accessFilter) GetConfig() *AccessListConfig {
	af.mu.RLock()
	defer af.mu.RUnlock()
	prefixesCopy := make([]string, len(af.config.Prefixes))
	copy(prefixesCopy, af.config.Prefixes)
	return &AccessListConfig{
		Mode:                 af.config.Mode,
		Prefixes:             prefixesCopy,
		DisableRejectLogging: af.config.DisableRejectLogging,
	}
}

// rebuildPrefixes must be called with af.mu held.
func (af *accessFilter) rebuildPrefixes() {
	af.prefixes = af.prefixes[:0]
	for _, s := range af.config.Prefixes {
		p, err := parsePrefix(s)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring invalid access list entry")
			continue
		}
		af.prefixes = append(af.prefixes, p)
	}
}

// IsAllowed reports whether a SYN from addr may create a connection.
func (af *accessFilter) IsAllowed(addr netip.Addr) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	if af.config.Mode == AccessListModeDisabled || af.config.Mode == "" {
		return true
	}

	inList := false
	for _, p := range af.prefixes {
		if p.Contains(addr) {
			inList = true
			break
		}
	}

	switch af.config.Mode {
	case AccessListModeAllow:
		return inList
	case AccessListModeDeny:
		return !inList
	default:
		return true
	}
}

// CheckAndLog checks if a source is allowed and logs if rejected.
// Returns nil if allowed, or an *AccessDeniedError describing why.
func (af *accessFilter) CheckAndLog(addr netip.Addr) error {
	if af.IsAllowed(addr) {
		return nil
	}

	af.mu.RLock()
	config := af.config
	af.mu.RUnlock()

	reason := "source in deny list"
	if config.Mode == AccessListModeAllow {
		reason = "source not in allow list"
	}

	if !config.DisableRejectLogging {
		log.Warn().
			Str("source", addr.String()).
			Str("reason", reason).
			Msg("incoming syn rejected by access list")
	}

	return &AccessDeniedError{Source: addr, Reason: reason}
}

// AccessDeniedError is returned when a SYN is rejected due to the access list.
type AccessDeniedError struct {
	Source netip.Addr
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return "access denied for " + e.Source.String() + ": " + e.Reason
}

// Unwrap lets errors.Is match ErrAccessDenied.
func (e *AccessDeniedError) Unwrap() error {
	return ErrAccessDenied
}

// AddPrefix adds an entry to the access list.
func (af *accessFilter) AddPrefix(entry string) error {
	p, err := parsePrefix(entry)
	if err != nil {
		return err
	}

	af.mu.Lock()
	defer af.mu.Unlock()
	af.config.Prefixes = append(af.config.Prefixes, entry)
	af.prefixes = append(af.prefixes, p)
	return nil
}

// RemovePrefix removes every entry equal to the given prefix.
func (af *accessFilter) RemovePrefix(entry string) {
	p, err := parsePrefix(entry)
	if err != nil {
		return
	}

	af.mu.Lock()
	defer af.mu.Unlock()

	kept := make([]string, 0, len(af.config.Prefixes))
	for _, s := range af.config.Prefixes {
		if other, err := parsePrefix(s); err == nil && other == p {
			continue
		}
		kept = append(kept, s)
	}
	af.config.Prefixes = kept
	af.rebuildPrefixes()
}

// Count returns the number of parsed entries in the access list.
func (af *accessFilter) Count() int {
	af.mu.RLock()
	defer af.mu.RUnlock()
	return len(af.prefixes)
}

// ParsePrefixList parses a comma or space-separated list of prefixes.
func ParsePrefixList(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Fields(strings.ReplaceAll(list, ",", " "))
}
