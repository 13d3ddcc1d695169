package domain

import "strings"

const (
	SubtypeRestoredCube = "spectral.restored.3d"
	SubtypeWeightCube   = "spectral.weight.3d"

	QualityRejected = "REJECTED"
)

// ProductKind separates restored image cubes from their weight cubes.
type ProductKind string

const (
	KindImage  ProductKind = "image"
	KindWeight ProductKind = "weight"
)

// KindForSubtype maps an archive dataproduct_subtype onto a ProductKind.
func KindForSubtype(subtype string) (ProductKind, bool) {
	switch strings.TrimSpace(subtype) {
	case SubtypeRestoredCube:
		return KindImage, true
	case SubtypeWeightCube:
		return KindWeight, true
	default:
		return "", false
	}
}

// CatalogRecord is one row of the archive's obscore result.
type CatalogRecord struct {
	ObsID      string
	Filename   string
	Subtype    string
	Collection string
	RA         float64
	Dec        float64
	Quality    string
}

// ObservationGroup holds the image and weight records of one observation.
// Both lists are sorted by filename.
type ObservationGroup struct {
	ObsID   string
	Images  []CatalogRecord
	Weights []CatalogRecord
}

func (g ObservationGroup) Records(kind ProductKind) []CatalogRecord {
	if kind == KindWeight {
		return g.Weights
	}
	return g.Images
}

// Selection is the filtered catalog, grouped by observation and sorted by ObsID.
type Selection struct {
	Observations []ObservationGroup
}

func (s Selection) Empty() bool {
	return len(s.Observations) == 0
}

func (s Selection) ImageCount() int {
	n := 0
	for _, obs := range s.Observations {
		n += len(obs.Images)
	}
	return n
}

func (s Selection) WeightCount() int {
	n := 0
	for _, obs := range s.Observations {
		n += len(obs.Weights)
	}
	return n
}
