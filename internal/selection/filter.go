// Package selection narrows a catalog result to the observations worth
// cutting out: galactic mode, quality, a coarse region box, product subtype
// and an optional observation allow-list.
package selection

import (
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

const component = "result_filter"

// Criteria is the per-run selection input.
type Criteria struct {
	Center   domain.Position
	Galactic bool
	// ObsIDs keeps only observations whose id contains one of these values.
	ObsIDs []string
}

// Filter holds the fixed selection constants.
type Filter struct {
	separationDeg  float64
	galacticMarker string
	logger         *slog.Logger
}

func NewFilter(separationDeg float64, galacticMarker string, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Filter{separationDeg: separationDeg, galacticMarker: galacticMarker, logger: logger}
}

// Apply runs the predicates in order. An empty selection is a valid result.
func (f *Filter) Apply(records []domain.CatalogRecord, criteria Criteria) (domain.Selection, error) {
	groups := make(map[string]*domain.ObservationGroup)
	seen := make(map[string]string, len(records))
	kept := 0

	for _, rec := range records {
		if strings.Contains(rec.Filename, f.galacticMarker) != criteria.Galactic {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(rec.Quality), domain.QualityRejected) {
			continue
		}
		if !f.InRegion(rec, criteria.Center) {
			continue
		}
		kind, ok := domain.KindForSubtype(rec.Subtype)
		if !ok {
			continue
		}
		if !allowed(rec.ObsID, criteria.ObsIDs) {
			continue
		}

		if prev, dup := seen[rec.Filename]; dup {
			return domain.Selection{}, domain.Errorf(domain.ErrDuplicateFilename, component, rec.Filename,
				"listed by observations %s and %s", prev, rec.ObsID)
		}
		seen[rec.Filename] = rec.ObsID

		g, ok := groups[rec.ObsID]
		if !ok {
			g = &domain.ObservationGroup{ObsID: rec.ObsID}
			groups[rec.ObsID] = g
		}
		if kind == domain.KindImage {
			g.Images = append(g.Images, rec)
		} else {
			g.Weights = append(g.Weights, rec)
		}
		kept++
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sel := domain.Selection{Observations: make([]domain.ObservationGroup, 0, len(ids))}
	for _, id := range ids {
		g := groups[id]
		if len(g.Images) == 0 || len(g.Weights) == 0 {
			f.logger.Warn("dropping observation without matched image and weight cubes",
				"obs_id", id, "images", len(g.Images), "weights", len(g.Weights))
			continue
		}
		sortByFilename(g.Images)
		sortByFilename(g.Weights)
		sel.Observations = append(sel.Observations, *g)
	}

	f.logger.Info("catalog filtered",
		"records", len(records),
		"kept", kept,
		"observations", len(sel.Observations),
		"images", sel.ImageCount(),
		"weights", sel.WeightCount(),
	)
	return sel, nil
}

// InRegion is a per-axis box test, |ra-ra0| < sep and |dec-dec0| < sep. It has
// no cos(dec) term and no RA wrap-around.
func (f *Filter) InRegion(rec domain.CatalogRecord, center domain.Position) bool {
	return math.Abs(rec.RA-center.RA) < f.separationDeg && math.Abs(rec.Dec-center.Dec) < f.separationDeg
}

func allowed(obsID string, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, id := range allowList {
		if id = strings.TrimSpace(id); id != "" && strings.Contains(obsID, id) {
			return true
		}
	}
	return false
}

func sortByFilename(records []domain.CatalogRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].Filename < records[j].Filename })
}
