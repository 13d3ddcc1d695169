// Package cutout drives the per-observation cutout and download fan-out.
//
// Every observation contributes two units of work, one for its image cubes
// and one for its weight cubes. Units run on a bounded errgroup; the first
// failure cancels the rest. Observation results are merged on the calling
// goroutine only after both of that observation's units have finished.
package cutout

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/cubemosaic/internal/domain"
	"github.com/animus-labs/cubemosaic/internal/filemap"
)

const component = "cutout_coordinator"

// Service produces cutout URLs for one product group.
type Service interface {
	Cutout(ctx context.Context, req domain.CutoutRequest) ([]string, error)
}

// Downloader fetches one URL into dir. FileName is the name Download will
// write rawURL to.
type Downloader interface {
	FileName(rawURL string) (string, error)
	Download(ctx context.Context, rawURL, dir string) (domain.DownloadedFile, error)
}

// GroupOutcome reports one finished unit of work.
type GroupOutcome struct {
	ObsID      string
	Kind       domain.ProductKind
	Files      []domain.DownloadedFile
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Recorder receives every unit outcome. Errors are logged and ignored.
type Recorder interface {
	RecordGroup(ctx context.Context, outcome GroupOutcome) error
}

type Config struct {
	Workers        int
	ChecksumMarker string
}

type Coordinator struct {
	service    Service
	downloader Downloader
	recorder   Recorder
	workers    int
	checksum   string
	logger     *slog.Logger
}

func NewCoordinator(cfg Config, service Service, downloader Downloader, recorder Recorder, logger *slog.Logger) (*Coordinator, error) {
	if service == nil {
		return nil, fmt.Errorf("cutout service is required")
	}
	if downloader == nil {
		return nil, fmt.Errorf("downloader is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive")
	}
	if strings.TrimSpace(cfg.ChecksumMarker) == "" {
		return nil, fmt.Errorf("checksum marker is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		service:    service,
		downloader: downloader,
		recorder:   recorder,
		workers:    cfg.Workers,
		checksum:   cfg.ChecksumMarker,
		logger:     logger,
	}, nil
}

// join collects the two halves of one observation.
type join struct {
	mu      sync.Mutex
	pending int
	result  domain.ObservationResult
}

// claims tracks which unit owns each local file name within one Run.
type claims struct {
	mu    sync.Mutex
	owner map[string]string
}

func (c *claims) claim(name, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.owner[name]; ok {
		return domain.Errorf(domain.ErrDuplicateFilename, component, name, "%s and %s download to the same file", prev, key)
	}
	c.owner[name] = key
	return nil
}

func (j *join) complete(r domain.DownloadResult) (domain.ObservationResult, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if r.Kind == domain.KindWeight {
		j.result.Weights = r
	} else {
		j.result.Images = r
	}
	j.pending--
	return j.result, j.pending == 0
}

// Run cuts out and downloads every group of sel into outputDir and returns the
// aggregated file map. On failure no partial map is returned; files already
// written stay on disk.
func (c *Coordinator) Run(ctx context.Context, target domain.Target, sel domain.Selection, outputDir string) (domain.FileMap, error) {
	if sel.Empty() {
		return domain.NewFileMap(), nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return domain.FileMap{}, fmt.Errorf("create output dir: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	names := &claims{owner: map[string]string{}}
	results := make(chan domain.ObservationResult, len(sel.Observations))
	done := make(chan error, 1)

	go func() {
		defer close(results)
		for _, obs := range sel.Observations {
			if gctx.Err() != nil {
				break
			}
			j := &join{pending: 2, result: domain.ObservationResult{ObsID: obs.ObsID}}
			for _, kind := range []domain.ProductKind{domain.KindImage, domain.KindWeight} {
				req := domain.CutoutRequest{
					ObsID:   obs.ObsID,
					Kind:    kind,
					Records: obs.Records(kind),
					Target:  target,
				}
				g.Go(func() error {
					res, err := c.runGroup(gctx, req, outputDir, names)
					if err != nil {
						return err
					}
					if merged, ok := j.complete(res); ok {
						results <- merged
					}
					return nil
				})
			}
		}
		err := g.Wait()
		if err == nil {
			err = ctx.Err()
		}
		done <- err
	}()

	agg := filemap.NewAggregator(c.logger)
	for r := range results {
		agg.Merge(r)
	}
	if err := <-done; err != nil {
		return domain.FileMap{}, err
	}
	return agg.Finalize(sel.ImageCount(), sel.WeightCount())
}

func (c *Coordinator) runGroup(ctx context.Context, req domain.CutoutRequest, outputDir string, names *claims) (domain.DownloadResult, error) {
	started := time.Now().UTC()
	files, err := c.cutoutAndDownload(ctx, req, outputDir, names)
	c.record(ctx, GroupOutcome{
		ObsID:      req.ObsID,
		Kind:       req.Kind,
		Files:      files,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Err:        err,
	})
	if err != nil {
		return domain.DownloadResult{}, err
	}

	res := domain.DownloadResult{ObsID: req.ObsID, Kind: req.Kind, Files: make(map[string]string, len(files))}
	for i, rec := range req.Records {
		res.Files[rec.Filename] = files[i].Path
		res.Bytes += files[i].Bytes
	}
	c.logger.Info("group downloaded", "obs_id", req.ObsID, "kind", req.Kind, "files", len(files))
	return res, nil
}

func (c *Coordinator) cutoutAndDownload(ctx context.Context, req domain.CutoutRequest, outputDir string, names *claims) ([]domain.DownloadedFile, error) {
	key := req.ObsID + "/" + string(req.Kind)
	c.logger.Debug("requesting cutouts", "obs_id", req.ObsID, "kind", req.Kind, "records", len(req.Records))

	urls, err := c.service.Cutout(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: cutout: %w", key, err)
	}
	products := make([]string, 0, len(urls))
	for _, u := range urls {
		if strings.Contains(u, c.checksum) {
			continue
		}
		products = append(products, u)
	}
	if len(products) != len(req.Records) {
		return nil, domain.Errorf(domain.ErrDownloadCountMismatch, component, key,
			"service returned %d products for %d records", len(products), len(req.Records))
	}

	// Every name is claimed before the first byte is written, so two products
	// can never overwrite each other.
	for _, u := range products {
		name, err := c.downloader.FileName(u)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if err := names.claim(name, key); err != nil {
			return nil, err
		}
	}

	files := make([]domain.DownloadedFile, 0, len(products))
	for _, u := range products {
		f, err := c.downloader.Download(ctx, u, outputDir)
		if err != nil {
			return files, fmt.Errorf("%s: download: %w", key, err)
		}
		files = append(files, f)
	}
	return files, nil
}

func (c *Coordinator) record(ctx context.Context, outcome GroupOutcome) {
	if c.recorder == nil {
		return
	}
	// The run context may already be cancelled by a sibling failure; the
	// outcome is still worth recording.
	if err := c.recorder.RecordGroup(context.WithoutCancel(ctx), outcome); err != nil {
		c.logger.Warn("record group outcome failed", "obs_id", outcome.ObsID, "kind", outcome.Kind, "error", err)
	}
}
