package risk

import (
	"fmt"
	"strings"
)

// Level is an ordered risk tier assigned to a tool.
type Level int

const (
	ReadOnly Level = iota
	WriteLowRisk
	WriteHighRisk
	Critical
)

// AllLevels returns the risk tiers in ascending order of severity.
func AllLevels() []Level {
	return []Level{ReadOnly, WriteLowRisk, WriteHighRisk, Critical}
}

// String returns the canonical name of the level.
func (l Level) String() string {
	switch l {
	case ReadOnly:
		return "read_only"
	case WriteLowRisk:
		return "write_low_risk"
	case WriteHighRisk:
		return "write_high_risk"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses a level name as written in configuration.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read_only", "readonly":
		return ReadOnly, nil
	case "write_low_risk", "write_low":
		return WriteLowRisk, nil
	case "write_high_risk", "write_high":
		return WriteHighRisk, nil
	case "critical":
		return Critical, nil
	default:
		return Critical, fmt.Errorf("unknown risk level: %q", s)
	}
}

// Autonomy is a per-identity level capping which risk tiers may
// auto-execute without human approval.
type Autonomy int

const (
	AutonomyManual          Autonomy = iota // only read-only tools run unattended
	AutonomyRecommendations                 // adds low-risk writes
	AutonomySupervised                      // adds high-risk writes
	AutonomyFull                            // everything, including critical
)

// String returns the canonical name of the autonomy level.
func (a Autonomy) String() string {
	switch a {
	case AutonomyManual:
		return "manual"
	case AutonomyRecommendations:
		return "recommendations"
	case AutonomySupervised:
		return "supervised"
	case AutonomyFull:
		return "full"
	default:
		return fmt.Sprintf("autonomy(%d)", int(a))
	}
}

// ParseAutonomy parses an autonomy name as written in configuration or
// API requests.
func ParseAutonomy(s string) (Autonomy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual", "0":
		return AutonomyManual, nil
	case "recommendations", "1":
		return AutonomyRecommendations, nil
	case "supervised", "2":
		return AutonomySupervised, nil
	case "full", "3":
		return AutonomyFull, nil
	default:
		return AutonomyManual, fmt.Errorf("unknown autonomy level: %q", s)
	}
}

// Valid reports whether the autonomy level is within the defined range.
func (a Autonomy) Valid() bool {
	return a >= AutonomyManual && a <= AutonomyFull
}

// Threshold returns the highest risk tier the autonomy level permits to
// auto-execute. The ordinals line up one-to-one: level 0 caps at
// read_only, level 3 at critical.
func (a Autonomy) Threshold() Level {
	return Level(a)
}

// RequiresApproval reports whether a tool at the given risk tier must be
// proposed as a plan instead of auto-executing. Ties at the threshold are
// allowed to run.
func RequiresApproval(l Level, a Autonomy) bool {
	return l > a.Threshold()
}
