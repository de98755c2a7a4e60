// Package gnss holds satellite identifiers, carrier frequency plans and the
// per-satellite frequency profiles consumed by the slip pipeline.
package gnss

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SpeedOfLight is the speed of light in metres per second.
const SpeedOfLight = 299792458.0

// Carrier frequencies in Hz. GLONASS G1/G2 are FDMA: the nominal value is
// the base frequency and each satellite adds channel*bias.
const (
	FreqL1      = 1.57542e9  // GPS L1, Galileo E1, QZSS L1
	FreqL2      = 1.22760e9  // GPS L2, QZSS L2
	FreqL5      = 1.17645e9  // GPS L5, Galileo E5a, BeiDou B2a
	FreqE5b     = 1.20714e9  // Galileo E5b, BeiDou B2I
	FreqG1      = 1.60200e9  // GLONASS G1 base
	FreqG1Bias  = 0.56250e6  // GLONASS G1 per-channel step
	FreqG2      = 1.24600e9  // GLONASS G2 base
	FreqG2Bias  = 0.43750e6  // GLONASS G2 per-channel step
	FreqG3      = 1.202025e9 // GLONASS G3 (CDMA)
	FreqB1I     = 1.561098e9 // BeiDou B1I
	FreqB3      = 1.26852e9  // BeiDou B3
	FreqIRNSSS  = 2.492028e9 // NavIC S band
	minGloFCN   = -7
	maxGloFCN   = 6
	satIDLength = 3
)

// Constellation names a satellite system.
type Constellation string

const (
	GPS     Constellation = "GPS"
	GLONASS Constellation = "GLONASS"
	Galileo Constellation = "Galileo"
	BeiDou  Constellation = "BeiDou"
	QZSS    Constellation = "QZSS"
	SBAS    Constellation = "SBAS"
	NavIC   Constellation = "NavIC"
)

var systemLetters = map[byte]Constellation{
	'G': GPS,
	'R': GLONASS,
	'E': Galileo,
	'C': BeiDou,
	'J': QZSS,
	'S': SBAS,
	'I': NavIC,
}

// Channel selects which second carrier pairs with L1.
type Channel int

const (
	ChannelL2 Channel = iota
	ChannelL3
)

func (c Channel) String() string {
	switch c {
	case ChannelL2:
		return "L2"
	case ChannelL3:
		return "L3"
	default:
		return "Channel(" + strconv.Itoa(int(c)) + ")"
	}
}

// ParseChannel accepts "L2" or "L3" (case-insensitive).
func ParseChannel(s string) (Channel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L2":
		return ChannelL2, nil
	case "L3":
		return ChannelL3, nil
	}
	return 0, fmt.Errorf("unknown channel %q: want L2 or L3", s)
}

// ErrUnknownSatellite is returned for identifiers that do not follow the
// RINEX "Xnn" convention or name an unsupported system.
var ErrUnknownSatellite = errors.New("unknown satellite")

// SatID is a RINEX-style satellite identifier such as "G05" or "R12".
type SatID string

// ParseSatID normalises s ("g5", " G05 ") to the three character form.
func ParseSatID(s string) (SatID, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) < 2 {
		return "", fmt.Errorf("%w: %q", ErrUnknownSatellite, s)
	}
	if _, ok := systemLetters[s[0]]; !ok {
		return "", fmt.Errorf("%w: %q has no known system letter", ErrUnknownSatellite, s)
	}
	prn, err := strconv.Atoi(s[1:])
	if err != nil || prn < 1 || prn > 99 {
		return "", fmt.Errorf("%w: %q has invalid PRN", ErrUnknownSatellite, s)
	}
	return SatID(fmt.Sprintf("%c%02d", s[0], prn)), nil
}

// Constellation returns the system the satellite belongs to.
func (id SatID) Constellation() (Constellation, error) {
	if len(id) != satIDLength {
		return "", fmt.Errorf("%w: %q", ErrUnknownSatellite, string(id))
	}
	c, ok := systemLetters[id[0]]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSatellite, string(id))
	}
	return c, nil
}

// PRN returns the numeric part of the identifier.
func (id SatID) PRN() int {
	if len(id) != satIDLength {
		return 0
	}
	n, _ := strconv.Atoi(string(id[1:]))
	return n
}

// ParseConstellation accepts a system name ("gps", "Galileo") or its RINEX
// system letter ("E").
func ParseConstellation(s string) (Constellation, error) {
	s = strings.TrimSpace(s)
	if len(s) == 1 {
		if c, ok := systemLetters[strings.ToUpper(s)[0]]; ok {
			return c, nil
		}
	}
	for _, c := range systemLetters {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown constellation %q", ErrUnknownSatellite, s)
}
