package sharing

import (
	"database/sql/driver"
	"fmt"
)

// TTL values emitted by the common IP stacks, and the value seen one NAT hop later
const (
	TTLWindows       = 128
	TTLWindowsRouted = 127
	TTLUnix          = 64
	TTLUnixRouted    = 63
)

// TTLStatus is the fingerprint verdict for one session's TTL samples
type TTLStatus uint8

const (
	TTLNoData TTLStatus = iota
	TTLDirectWindows
	TTLRouterWindows
	TTLDirectUnix
	TTLRouterUnix
	TTLMultipleOS
	TTLRouterDetected
	TTLDoubleRouter
)

var ttlStatusNames = [...]string{
	TTLNoData:         "no_data",
	TTLDirectWindows:  "direct_windows",
	TTLRouterWindows:  "router_windows",
	TTLDirectUnix:     "direct_unix",
	TTLRouterUnix:     "router_unix",
	TTLMultipleOS:     "multiple_os",
	TTLRouterDetected: "router_detected",
	TTLDoubleRouter:   "double_router",
}

func (s TTLStatus) String() string {
	if int(s) < len(ttlStatusNames) {
		return ttlStatusNames[s]
	}
	return fmt.Sprintf("ttl_status(%d)", uint8(s))
}

// ParseTTLStatus maps a stored label back to its status
func ParseTTLStatus(name string) (TTLStatus, error) {
	for i, n := range ttlStatusNames {
		if n == name {
			return TTLStatus(i), nil
		}
	}
	return TTLNoData, fmt.Errorf("unknown ttl status %q", name)
}

// IndicatesRouter reports whether traffic was seen at least one hop behind a router
func (s TTLStatus) IndicatesRouter() bool {
	switch s {
	case TTLRouterWindows, TTLRouterUnix, TTLRouterDetected, TTLDoubleRouter:
		return true
	}
	return false
}

// MultipleDevices reports whether the fingerprint can only come from more than one device
func (s TTLStatus) MultipleDevices() bool {
	return s == TTLMultipleOS || s == TTLDoubleRouter
}

func (s TTLStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TTLStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseTTLStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value stores the status as its label
func (s TTLStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

func (s *TTLStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	case nil:
		*s = TTLNoData
		return nil
	}
	return fmt.Errorf("cannot scan %T into TTLStatus", src)
}

// ttlFamily tracks which values of one OS family were observed
type ttlFamily struct {
	direct bool
	routed bool
}

func (f ttlFamily) present() bool {
	return f.direct || f.routed
}

// Classify derives the TTL fingerprint from a session's samples.
// Only the set of distinct recognized values matters; frequency and unrecognized values are ignored.
func Classify(samples []int) TTLStatus {
	var windows, unix ttlFamily
	for _, ttl := range samples {
		switch ttl {
		case TTLWindows:
			windows.direct = true
		case TTLWindowsRouted:
			windows.routed = true
		case TTLUnix:
			unix.direct = true
		case TTLUnixRouted:
			unix.routed = true
		}
	}

	switch {
	case !windows.present() && !unix.present():
		return TTLNoData
	case windows.present() && unix.present():
		if windows.routed && unix.routed {
			return TTLDoubleRouter
		}
		return TTLMultipleOS
	}

	family := windows
	direct, routed := TTLDirectWindows, TTLRouterWindows
	if unix.present() {
		family = unix
		direct, routed = TTLDirectUnix, TTLRouterUnix
	}

	switch {
	case family.direct && family.routed:
		return TTLRouterDetected
	case family.routed:
		return routed
	default:
		return direct
	}
}

// DistinctTTLs returns the distinct samples in first-seen order, for display
func DistinctTTLs(samples []int) []int {
	seen := make(map[int]struct{}, len(samples))
	out := make([]int, 0, len(samples))
	for _, ttl := range samples {
		if _, ok := seen[ttl]; ok {
			continue
		}
		seen[ttl] = struct{}{}
		out = append(out, ttl)
	}
	return out
}
