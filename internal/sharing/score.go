package sharing

import (
	"database/sql/driver"
	"fmt"
)

// SuspicionLevel is the coarse verdict derived from a confidence score
type SuspicionLevel uint8

const (
	LevelLow SuspicionLevel = iota + 1
	LevelMedium
	LevelHigh
)

func (l SuspicionLevel) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseSuspicionLevel parses "low", "medium" or "high"
func ParseSuspicionLevel(name string) (SuspicionLevel, error) {
	switch name {
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	}
	return 0, fmt.Errorf("unknown suspicion level %q", name)
}

// AtLeast reports whether l meets or exceeds min in the order low < medium < high
func (l SuspicionLevel) AtLeast(min SuspicionLevel) bool {
	return l >= min
}

func (l SuspicionLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *SuspicionLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseSuspicionLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l SuspicionLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

func (l *SuspicionLevel) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		return l.UnmarshalText([]byte(v))
	case []byte:
		return l.UnmarshalText(v)
	}
	return fmt.Errorf("cannot scan %T into SuspicionLevel", src)
}

// Scoring reasons
const (
	ReasonMultipleDevices = "Multiple devices detected via TTL fingerprinting"
	ReasonRouterDetected  = "Router/NAT detected behind connection"
	ReasonElevatedConns   = "Elevated connection count"
)

// ScoringPolicy holds the weights and bands used to turn evidence into a score
type ScoringPolicy struct {
	MultipleDevicesWeight int
	RouterWeight          int
	OverThresholdWeight   int
	ElevatedWeight        int
	// ElevatedPercent of the connection threshold at which the elevated weight applies
	ElevatedPercent int
	HighBand        int
	MediumBand      int
}

// DefaultPolicy is the scoring table used unless configured otherwise
var DefaultPolicy = ScoringPolicy{
	MultipleDevicesWeight: 60,
	RouterWeight:          35,
	OverThresholdWeight:   30,
	ElevatedWeight:        15,
	ElevatedPercent:       60,
	HighBand:              70,
	MediumBand:            30,
}

// Assessment is the scorer's output for one session
type Assessment struct {
	Level   SuspicionLevel
	Score   int
	Reasons []string
}

// Score applies DefaultPolicy
func Score(status TTLStatus, connections, threshold int) Assessment {
	return DefaultPolicy.Score(status, connections, threshold)
}

// Score combines TTL evidence and the connection count into a confidence score.
// It is a pure function of its inputs.
func (p ScoringPolicy) Score(status TTLStatus, connections, threshold int) Assessment {
	score := 0
	var reasons []string
	add := func(weight int, reason string) {
		score += weight
		for _, r := range reasons {
			if r == reason {
				return
			}
		}
		reasons = append(reasons, reason)
	}

	switch status {
	case TTLDoubleRouter, TTLMultipleOS:
		add(p.MultipleDevicesWeight, ReasonMultipleDevices)
	case TTLRouterDetected:
		add(p.RouterWeight, ReasonRouterDetected)
	case TTLNoData, TTLDirectWindows, TTLRouterWindows, TTLDirectUnix, TTLRouterUnix:
		// a single stack, with or without one router, is what a normal line looks like
	}

	switch {
	case connections >= threshold:
		add(p.OverThresholdWeight, fmt.Sprintf("Connection count %d exceeds threshold %d", connections, threshold))
	case connections*100 >= threshold*p.ElevatedPercent:
		add(p.ElevatedWeight, ReasonElevatedConns)
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	if reasons == nil {
		reasons = []string{}
	}

	return Assessment{
		Level:   p.LevelFor(score),
		Score:   score,
		Reasons: reasons,
	}
}

// LevelFor maps a score onto its band
func (p ScoringPolicy) LevelFor(score int) SuspicionLevel {
	switch {
	case score >= p.HighBand:
		return LevelHigh
	case score >= p.MediumBand:
		return LevelMedium
	default:
		return LevelLow
	}
}
