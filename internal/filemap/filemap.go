// Package filemap joins per-observation download results into the single
// filename to local path mapping consumed by the mosaic step.
package filemap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/animus-labs/cubemosaic/internal/domain"
	"github.com/animus-labs/cubemosaic/internal/platform/fsutil"
)

const (
	component = "filemap"

	// FileName is the persisted map inside the output directory.
	FileName = "file_map.json"
)

// Aggregator is not safe for concurrent use. Merge is called from the single
// goroutine that receives observation results.
type Aggregator struct {
	images  map[string]string
	weights map[string]string
	bytes   int64
	merged  int
	logger  *slog.Logger
}

func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{
		images:  map[string]string{},
		weights: map[string]string{},
		logger:  logger,
	}
}

// Merge unions one observation's image and weight maps into the aggregate.
func (a *Aggregator) Merge(r domain.ObservationResult) {
	for name, path := range r.Images.Files {
		a.images[name] = path
	}
	for name, path := range r.Weights.Files {
		a.weights[name] = path
	}
	a.bytes += r.Images.Bytes + r.Weights.Bytes
	a.merged++
	a.logger.Debug("observation merged",
		"obs_id", r.ObsID,
		"images", len(r.Images.Files),
		"weights", len(r.Weights.Files),
	)
}

// Finalize checks the aggregate against the selected record counts.
func (a *Aggregator) Finalize(expectedImages, expectedWeights int) (domain.FileMap, error) {
	if len(a.images) != expectedImages {
		return domain.FileMap{}, domain.Errorf(domain.ErrDownloadCountMismatch, component, string(domain.KindImage),
			"have %d files, selected %d", len(a.images), expectedImages)
	}
	if len(a.weights) != expectedWeights {
		return domain.FileMap{}, domain.Errorf(domain.ErrDownloadCountMismatch, component, string(domain.KindWeight),
			"have %d files, selected %d", len(a.weights), expectedWeights)
	}
	out := domain.NewFileMap()
	for k, v := range a.images {
		out.Images[k] = v
	}
	for k, v := range a.weights {
		out.Weights[k] = v
	}
	a.logger.Info("file map complete",
		"observations", a.merged,
		"images", len(out.Images),
		"weights", len(out.Weights),
		"downloaded", humanize.Bytes(uint64(a.bytes)),
	)
	return out, nil
}

// TotalBytes sums the on-disk sizes of every mapped file.
func TotalBytes(m domain.FileMap) (int64, error) {
	var total int64
	for _, path := range m.Combined() {
		info, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("stat %s: %w", path, err)
		}
		total += info.Size()
	}
	return total, nil
}

// Persist writes the combined map to dir/file_map.json and returns its path.
// Keys are emitted in sorted order.
func Persist(dir string, m domain.FileMap) (string, error) {
	data, err := json.MarshalIndent(m.Combined(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode file map: %w", err)
	}
	data = append(data, '\n')
	path := filepath.Join(dir, FileName)
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write file map: %w", err)
	}
	return path, nil
}

// Load reads a flat map written by Persist.
func Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewError(domain.ErrPrecondition, component, path, err)
	}
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, domain.NewError(domain.ErrPrecondition, component, path, fmt.Errorf("decode: %w", err))
	}
	if len(flat) == 0 {
		return nil, domain.Errorf(domain.ErrPrecondition, component, path, "file map is empty")
	}
	return flat, nil
}

// Split reclassifies a flat map: filenames containing weightMarker are weight
// cubes, everything else is an image cube.
func Split(flat map[string]string, weightMarker string) domain.FileMap {
	out := domain.NewFileMap()
	for name, path := range flat {
		if strings.Contains(name, weightMarker) {
			out.Weights[name] = path
		} else {
			out.Images[name] = path
		}
	}
	return out
}

// SortedNames returns the keys of m in ascending order.
func SortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
