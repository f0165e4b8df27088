// Package phy adapts the radio PHY of each link to its measured signal strength.
//
// Every auto-adapting link keeps a short RSSI history. When a new sample moves
// the running average into a different band the policy asks the stack for the
// PHY that suits the band: 2M close by, 1M at medium range, and the coded PHY
// (S2 then S8) at the edge of range. Requests are correlated with their command
// status through a FIFO because the status event carries no connection handle.
package phy

import (
	"fmt"
	"strings"

	"github.com/user/multirole-blue/wire/hci"
)

// RSSI band thresholds in dBm
const (
	Threshold2M = -30
	Threshold1M = -40
	ThresholdS2 = -50
	ThresholdS8 = -60 // the S8 band has no lower bound, this is never compared
)

// HistoryDepth is the number of RSSI samples averaged per link
const HistoryDepth = 5

// MaxFailures is the number of failed requests for one target after which
// the same target is no longer requested
const MaxFailures = 2

// Target is a PHY together with its coding, as requested from the stack
type Target uint8

const (
	TargetNone Target = iota
	Target1M
	Target2M
	TargetCoded // coded PHY without a coding preference
	TargetCodedS2
	TargetCodedS8
)

func (t Target) String() string {
	switch t {
	case Target1M:
		return "1M"
	case Target2M:
		return "2M"
	case TargetCoded:
		return "Coded"
	case TargetCodedS2:
		return "Coded:S2"
	case TargetCodedS8:
		return "Coded:S8"
	default:
		return "None"
	}
}

// PHY returns the PHY reported by the controller once the target is reached
func (t Target) PHY() hci.PHY {
	switch t {
	case Target1M:
		return hci.PHY1M
	case Target2M:
		return hci.PHY2M
	case TargetCoded, TargetCodedS2, TargetCodedS8:
		return hci.PHYCoded
	default:
		return hci.PHYNone
	}
}

// Option returns the coding option sent with LE Set PHY
func (t Target) Option() hci.PHYOption {
	switch t {
	case TargetCodedS2:
		return hci.PHYOptionS2
	case TargetCodedS8:
		return hci.PHYOptionS8
	default:
		return hci.PHYOptionNone
	}
}

// Band maps an RSSI average to the target of its band
func Band(avg int) Target {
	switch {
	case avg >= Threshold2M:
		return Target2M
	case avg >= Threshold1M:
		return Target1M
	case avg >= ThresholdS2:
		return TargetCodedS2
	default:
		return TargetCodedS8
	}
}

// Preference is an operator's PHY choice for one link
type Preference uint8

const (
	Pref1M Preference = iota + 1
	Pref2M
	PrefCoded
	PrefCodedS2
	PrefCodedS8
	PrefAuto
)

var preferenceNames = map[Preference]string{
	Pref1M:      "1m",
	Pref2M:      "2m",
	PrefCoded:   "coded",
	PrefCodedS2: "s2",
	PrefCodedS8: "s8",
	PrefAuto:    "auto",
}

func (p Preference) String() string {
	if name, ok := preferenceNames[p]; ok {
		return name
	}
	return fmt.Sprintf("preference(%d)", uint8(p))
}

// Target returns the PHY target of a manual preference, TargetNone for auto
func (p Preference) Target() Target {
	switch p {
	case Pref1M:
		return Target1M
	case Pref2M:
		return Target2M
	case PrefCoded:
		return TargetCoded
	case PrefCodedS2:
		return TargetCodedS2
	case PrefCodedS8:
		return TargetCodedS8
	default:
		return TargetNone
	}
}

// ParsePreference accepts the names printed by Preference.String
func ParsePreference(s string) (Preference, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range preferenceNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPreference, s)
}

// Link is the PHY state of one connection
type Link struct {
	history [HistoryDepth]int8
	next    int
	filled  int

	// Average is the mean of the collected samples
	Average int

	Current    hci.PHY
	Requested  Target
	InProgress bool
	FailCount  int

	// Coding is the coded option the link settled on while Current is coded,
	// PHYOptionNone when it is unknown
	Coding hci.PHYOption

	// Auto enables RSSI driven adaptation
	Auto bool
}

// AddSample stores an RSSI reading and returns the new average. Until the
// history is full the average covers only the samples seen so far.
func (l *Link) AddSample(rssi int8) int {
	l.history[l.next] = rssi
	l.next = (l.next + 1) % HistoryDepth
	if l.filled < HistoryDepth {
		l.filled++
	}

	sum := 0
	for i := 0; i < l.filled; i++ {
		sum += int(l.history[i])
	}
	l.Average = sum / l.filled
	return l.Average
}

// On reports whether the link already runs on the target. A coded link whose
// coding is unknown is on none of the coded targets.
func (l *Link) On(t Target) bool {
	if t.PHY() != l.Current {
		return false
	}
	return l.Current != hci.PHYCoded || t.Option() == l.Coding
}

// Samples returns the collected samples, oldest first
func (l *Link) Samples() []int8 {
	out := make([]int8, 0, l.filled)
	start := 0
	if l.filled == HistoryDepth {
		start = l.next
	}
	for i := 0; i < l.filled; i++ {
		out = append(out, l.history[(start+i)%HistoryDepth])
	}
	return out
}
