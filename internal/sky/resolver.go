// Package sky turns user target input into a canonical domain.Target.
package sky

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

const component = "coordinate_resolver"

// NameLookup resolves an astronomical source name to a sky position.
type NameLookup interface {
	Lookup(ctx context.Context, name string) (domain.Position, error)
}

// TargetInput is the raw user request. RA and Dec are set together or not at
// all; exactly one of Name and (RA, Dec), and exactly one of FrequencyHz and
// VelocityKms, must be given.
type TargetInput struct {
	Name         string
	RA           *float64
	Dec          *float64
	RadiusArcmin float64
	FrequencyHz  []float64
	VelocityKms  []float64
}

type Resolver struct {
	lookup          NameLookup
	restFrequencyHz float64
	logger          *slog.Logger
}

func NewResolver(lookup NameLookup, restFrequencyHz float64, logger *slog.Logger) (*Resolver, error) {
	if restFrequencyHz <= 0 {
		return nil, errors.New("rest frequency must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{lookup: lookup, restFrequencyHz: restFrequencyHz, logger: logger}, nil
}

// Validate checks the input combination without touching the network.
func (in TargetInput) Validate() error {
	name := strings.TrimSpace(in.Name)
	hasName := name != ""
	if (in.RA == nil) != (in.Dec == nil) {
		return invalid("ra and dec must be given together")
	}
	hasCoords := in.RA != nil && in.Dec != nil
	if hasName == hasCoords {
		return invalid("exactly one of name or (ra, dec) is required")
	}
	if hasCoords {
		if *in.Dec < -90 || *in.Dec > 90 {
			return invalid("dec %v out of range", *in.Dec)
		}
	}
	if !(in.RadiusArcmin > 0) {
		return invalid("radius must be positive (got %v)", in.RadiusArcmin)
	}

	hasFreq := len(in.FrequencyHz) > 0
	hasVel := len(in.VelocityKms) > 0
	if hasFreq == hasVel {
		return invalid("exactly one of frequency or velocity range is required")
	}
	if hasFreq && len(in.FrequencyHz) != 2 {
		return invalid("frequency range needs 2 values (got %d)", len(in.FrequencyHz))
	}
	if hasVel && len(in.VelocityKms) != 2 {
		return invalid("velocity range needs 2 values (got %d)", len(in.VelocityKms))
	}
	for _, f := range in.FrequencyHz {
		if !(f > 0) || math.IsInf(f, 0) {
			return invalid("frequency must be positive (got %v)", f)
		}
	}
	for _, v := range in.VelocityKms {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid("velocity must be finite (got %v)", v)
		}
	}
	return nil
}

func (r *Resolver) Resolve(ctx context.Context, in TargetInput) (domain.Target, error) {
	if err := in.Validate(); err != nil {
		return domain.Target{}, err
	}

	var pos domain.Position
	if name := strings.TrimSpace(in.Name); name != "" {
		if r.lookup == nil {
			return domain.Target{}, domain.Errorf(domain.ErrResolution, component, name, "no name lookup configured")
		}
		found, err := r.lookup.Lookup(ctx, name)
		if err != nil {
			return domain.Target{}, domain.NewError(domain.ErrResolution, component, name, err)
		}
		pos = found
	} else {
		pos = domain.Position{RA: *in.RA, Dec: *in.Dec}
	}

	var band domain.FrequencyBand
	if len(in.FrequencyHz) == 2 {
		band = sortedBand(in.FrequencyHz[0], in.FrequencyHz[1])
	} else {
		lo := RadioVelocityToFrequency(in.VelocityKms[0], r.restFrequencyHz)
		hi := RadioVelocityToFrequency(in.VelocityKms[1], r.restFrequencyHz)
		band = sortedBand(lo, hi)
	}

	target := domain.Target{Position: pos, RadiusArcmin: in.RadiusArcmin, Band: band}
	r.logger.Info("target resolved",
		"ra", pos.RA,
		"dec", pos.Dec,
		"radius_arcmin", target.RadiusArcmin,
		"freq_low_hz", band.Low,
		"freq_high_hz", band.High,
	)
	return target, nil
}

// RadioVelocityToFrequency applies the radio Doppler convention f = f0 (1 - v/c).
func RadioVelocityToFrequency(velocityKms, restFrequencyHz float64) float64 {
	return restFrequencyHz * (1 - velocityKms/domain.SpeedOfLightKMS)
}

func sortedBand(a, b float64) domain.FrequencyBand {
	edges := []float64{a, b}
	sort.Float64s(edges)
	return domain.FrequencyBand{Low: edges[0], High: edges[1]}
}

func invalid(format string, args ...any) error {
	return domain.Errorf(domain.ErrInvalidTargetSpec, component, "", format, args...)
}
