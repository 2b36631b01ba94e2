package aggregation

import "fmt"

// TieBreak decides which group leads when the two heaviest groups carry the same weight.
type TieBreak uint8

const (
	// TieBreakFirstSeen favors the group whose first copy was submitted first.
	TieBreakFirstSeen TieBreak = iota

	// TieBreakFingerprint favors the group with the smallest fingerprint.
	TieBreakFingerprint

	// TieBreakReject rejects the round when the top weight is shared.
	TieBreakReject
)

// String returns the configuration name of the rule.
func (t TieBreak) String() string {
	switch t {
	case TieBreakFirstSeen:
		return "first_seen"
	case TieBreakFingerprint:
		return "fingerprint"
	case TieBreakReject:
		return "reject"
	default:
		return fmt.Sprintf("tiebreak(%d)", uint8(t))
	}
}

// ParseTieBreak parses a configuration name.
func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "", "first_seen":
		return TieBreakFirstSeen, nil
	case "fingerprint":
		return TieBreakFingerprint, nil
	case "reject":
		return TieBreakReject, nil
	default:
		return 0, fmt.Errorf("unknown tie break %q", s)
	}
}
