package domain

import (
	"fmt"
	"math"
)

// Position is an ICRS sky position in degrees.
type Position struct {
	RA  float64
	Dec float64
}

func (p Position) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", p.RA, p.Dec)
}

// FrequencyBand is an ascending frequency interval in Hz. The zero value means
// no spectral filtering was requested.
type FrequencyBand struct {
	Low  float64
	High float64
}

func (b FrequencyBand) IsZero() bool {
	return b.Low == 0 && b.High == 0
}

// Wavelengths returns the band edges as wavelengths in metres, ascending.
func (b FrequencyBand) Wavelengths() (float64, float64) {
	if b.IsZero() {
		return 0, 0
	}
	lo := SpeedOfLightMS / b.High
	hi := SpeedOfLightMS / b.Low
	return math.Min(lo, hi), math.Max(lo, hi)
}

const (
	SpeedOfLightMS  = 299792458.0
	SpeedOfLightKMS = SpeedOfLightMS / 1000
)

// Target is the resolved search request. It is never mutated once built.
type Target struct {
	Position     Position
	RadiusArcmin float64
	Band         FrequencyBand
}

func (t Target) RadiusDeg() float64 {
	return t.RadiusArcmin / 60
}
