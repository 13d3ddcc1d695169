package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/animus-labs/cubemosaic/internal/archive"
	"github.com/animus-labs/cubemosaic/internal/config"
	"github.com/animus-labs/cubemosaic/internal/domain"
	"github.com/animus-labs/cubemosaic/internal/filemap"
	"github.com/animus-labs/cubemosaic/internal/mosaic"
	"github.com/animus-labs/cubemosaic/internal/platform/runid"
	"github.com/animus-labs/cubemosaic/internal/repo"
	"github.com/animus-labs/cubemosaic/internal/runtimeexec"
	"github.com/animus-labs/cubemosaic/internal/selection"
	"github.com/animus-labs/cubemosaic/internal/sky"
)

const DefaultFilename = "mosaic.fits"

type TargetResolver interface {
	Resolve(ctx context.Context, in sky.TargetInput) (domain.Target, error)
}

type Catalog interface {
	Query(ctx context.Context, query string) ([]domain.CatalogRecord, error)
}

type Fetcher interface {
	Run(ctx context.Context, target domain.Target, sel domain.Selection, outputDir string) (domain.FileMap, error)
}

type Publisher interface {
	Publish(ctx context.Context, runID string, paths ...string) ([]string, error)
}

type Deps struct {
	Settings  config.Settings
	Resolver  TargetResolver
	Catalog   Catalog
	Filter    *selection.Filter
	Fetcher   Fetcher
	Generator *mosaic.Generator
	Executor  runtimeexec.Executor

	// Optional.
	Ledger    repo.RunLedger
	Publisher Publisher
	Logger    *slog.Logger
}

type Service struct {
	settings  config.Settings
	resolver  TargetResolver
	catalog   Catalog
	filter    *selection.Filter
	fetcher   Fetcher
	generator *mosaic.Generator
	executor  runtimeexec.Executor
	ledger    repo.RunLedger
	publisher Publisher
	logger    *slog.Logger
}

func New(deps Deps) (*Service, error) {
	if deps.Resolver == nil || deps.Catalog == nil || deps.Filter == nil || deps.Fetcher == nil {
		return nil, errors.New("resolver, catalog, filter and fetcher are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		settings:  deps.Settings,
		resolver:  deps.Resolver,
		catalog:   deps.Catalog,
		filter:    deps.Filter,
		fetcher:   deps.Fetcher,
		generator: deps.Generator,
		executor:  deps.Executor,
		ledger:    deps.Ledger,
		publisher: deps.Publisher,
		logger:    logger,
	}, nil
}

// Request drives Download and Run.
type Request struct {
	Target     sky.TargetInput
	Collection string
	OutputDir  string
	// Filename names the mosaic image; the weight cube gets a "weights." prefix.
	Filename string
	Galactic bool
	ObsIDs   []string
}

// MosaicRequest re-runs the mosaic step from a persisted file map.
type MosaicRequest struct {
	FileMapPath string
	OutputDir   string
	Filename    string
}

type Outcome struct {
	RunID        string
	Target       domain.Target
	NoData       bool
	Files        domain.FileMap
	FileMapPath  string
	ConfigPath   string
	OutputImage  string
	OutputWeight string
	Submission   *domain.Submission
	Published    []string
}

// Download resolves, queries, filters and downloads, then persists the file map.
func (s *Service) Download(ctx context.Context, req Request) (Outcome, error) {
	return s.execute(ctx, "download", req, false)
}

// Run is Download followed by the mosaic step.
func (s *Service) Run(ctx context.Context, req Request) (Outcome, error) {
	return s.execute(ctx, "run", req, true)
}

func (s *Service) execute(ctx context.Context, command string, req Request, withMosaic bool) (Outcome, error) {
	// Nothing is recorded for a request that cannot run.
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	if withMosaic {
		if err := s.requireMosaic(); err != nil {
			return Outcome{}, err
		}
	}

	out := Outcome{RunID: runid.New()}
	ctx = runid.WithRunID(ctx, out.RunID)
	logger := s.logger.With("run_id", out.RunID, "command", command)
	s.startRun(ctx, repo.RunRecord{
		ID:         out.RunID,
		Command:    command,
		Target:     describeTarget(req.Target),
		Collection: req.Collection,
		OutputDir:  req.OutputDir,
	})

	err := s.download(ctx, logger, req, &out)
	switch {
	case err != nil || out.NoData:
	case withMosaic:
		err = s.runMosaic(ctx, logger, req.OutputDir, req.Filename, &out)
	default:
		s.publish(ctx, logger, &out, "")
	}
	s.finishRun(ctx, out, err)
	return out, err
}

func (s *Service) download(ctx context.Context, logger *slog.Logger, req Request, out *Outcome) error {
	target, err := s.resolver.Resolve(ctx, req.Target)
	if err != nil {
		return err
	}
	out.Target = target

	query := archive.BuildQuery(s.settings.QueryTemplate, req.Collection)
	logger.Debug("catalog query", "query", query)
	records, err := s.catalog.Query(ctx, query)
	if err != nil {
		return err
	}

	sel, err := s.filter.Apply(records, selection.Criteria{
		Center:   target.Position,
		Galactic: req.Galactic,
		ObsIDs:   req.ObsIDs,
	})
	if err != nil {
		return err
	}
	if sel.Empty() {
		logger.Info("no cubes match the target; nothing to download", "records", len(records))
		out.NoData = true
		out.Files = domain.NewFileMap()
		return nil
	}

	files, err := s.fetcher.Run(ctx, target, sel, req.OutputDir)
	if err != nil {
		return err
	}
	out.Files = files

	path, err := filemap.Persist(req.OutputDir, files)
	if err != nil {
		return err
	}
	out.FileMapPath = path
	logger.Info("file map written", "path", path, "entries", files.Len())
	return nil
}

// Mosaic regenerates the linmos config from a persisted file map and runs it.
func (s *Service) Mosaic(ctx context.Context, req MosaicRequest) (Outcome, error) {
	if strings.TrimSpace(req.FileMapPath) == "" || strings.TrimSpace(req.OutputDir) == "" {
		return Outcome{}, domain.Errorf(domain.ErrPrecondition, "pipeline", "", "file map path and output dir are required")
	}
	if err := s.requireMosaic(); err != nil {
		return Outcome{}, err
	}

	out := Outcome{RunID: runid.New(), FileMapPath: req.FileMapPath}
	ctx = runid.WithRunID(ctx, out.RunID)
	logger := s.logger.With("run_id", out.RunID, "command", "mosaic")
	s.startRun(ctx, repo.RunRecord{ID: out.RunID, Command: "mosaic", Target: req.FileMapPath, OutputDir: req.OutputDir})

	flat, err := filemap.Load(req.FileMapPath)
	if err == nil {
		out.Files = filemap.Split(flat, s.settings.WeightMarker)
		logger.Info("file map loaded", "images", len(out.Files.Images), "weights", len(out.Files.Weights))
		err = s.runMosaic(ctx, logger, req.OutputDir, req.Filename, &out)
	}
	s.finishRun(ctx, out, err)
	return out, err
}

func (s *Service) runMosaic(ctx context.Context, logger *slog.Logger, outputDir, filename string, out *Outcome) error {
	if strings.TrimSpace(filename) == "" {
		filename = DefaultFilename
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	out.OutputImage, out.OutputWeight = mosaic.OutputPaths(outputDir, filename)
	out.ConfigPath = filepath.Join(outputDir, mosaic.ConfigFileName)

	if err := s.generator.Write(mosaic.ConfigInput{
		Files:        out.Files,
		OutputImage:  out.OutputImage,
		OutputWeight: out.OutputWeight,
	}, out.ConfigPath); err != nil {
		return err
	}
	logger.Info("mosaic config written", "path", out.ConfigPath)
	s.checkMemory(logger, out.Files)

	sub, err := s.executor.Submit(ctx, runtimeexec.JobSpec{
		RunID:      out.RunID,
		ConfigPath: out.ConfigPath,
		WorkDir:    outputDir,
		JobName:    jobName(out.RunID),
		Resources: runtimeexec.Resources{
			Account: s.settings.Scheduler.Account,
			Time:    s.settings.Scheduler.Time,
			Memory:  s.settings.Scheduler.Memory,
		},
	})
	if err != nil {
		return err
	}
	out.Submission = &sub

	if s.executor.Kind() != runtimeexec.KindSlurm {
		for _, p := range []string{out.OutputImage, out.OutputWeight} {
			if _, err := os.Stat(p); err != nil {
				return domain.Errorf(domain.ErrMosaicExecution, "pipeline", p, "mosaic finished without writing its output")
			}
		}
		logger.Info("mosaic written", "image", out.OutputImage, "weights", out.OutputWeight)
	}

	s.publish(ctx, logger, out, sub.ScriptPath)
	return nil
}

// checkMemory warns when the cubes going into linmos exceed the memory the
// batch job asks for.
func (s *Service) checkMemory(logger *slog.Logger, files domain.FileMap) {
	total, err := filemap.TotalBytes(files)
	if err != nil {
		logger.Warn("could not size mosaic inputs", "error", err)
		return
	}
	limit, err := humanize.ParseBytes(s.settings.Scheduler.Memory)
	if err != nil {
		return
	}
	if uint64(total) > limit {
		logger.Warn("mosaic inputs exceed requested memory",
			"inputs", humanize.Bytes(uint64(total)),
			"memory", s.settings.Scheduler.Memory,
		)
	}
}

func (s *Service) publish(ctx context.Context, logger *slog.Logger, out *Outcome, scriptPath string) {
	if s.publisher == nil {
		return
	}
	keys, err := s.publisher.Publish(ctx, out.RunID, out.FileMapPath, out.ConfigPath, scriptPath)
	if err != nil {
		logger.Warn("publish run artifacts failed", "error", err)
		return
	}
	out.Published = keys
}

func (s *Service) requireMosaic() error {
	if s.generator == nil || s.executor == nil {
		return errors.New("mosaic generator and executor are required")
	}
	return nil
}

// Validate checks the request without touching the network.
func (req Request) Validate() error {
	if strings.TrimSpace(req.Collection) == "" {
		return domain.Errorf(domain.ErrInvalidTargetSpec, "pipeline", "collection", "obs collection is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return domain.Errorf(domain.ErrInvalidTargetSpec, "pipeline", "output", "output directory is required")
	}
	return req.Target.Validate()
}

func jobName(runID string) string {
	if len(runID) > 8 {
		runID = runID[:8]
	}
	return "linmos-" + runID
}

func describeTarget(in sky.TargetInput) string {
	if name := strings.TrimSpace(in.Name); name != "" {
		return name
	}
	if in.RA != nil && in.Dec != nil {
		return domain.Position{RA: *in.RA, Dec: *in.Dec}.String()
	}
	return ""
}

func (s *Service) startRun(ctx context.Context, run repo.RunRecord) {
	if s.ledger == nil {
		return
	}
	run.StartedAt = time.Now().UTC()
	if _, err := s.ledger.CreateRun(ctx, run); err != nil {
		s.logger.Warn("ledger create run failed", "run_id", run.ID, "error", err)
	}
}

func (s *Service) finishRun(ctx context.Context, out Outcome, runErr error) {
	if s.ledger == nil {
		return
	}
	done := repo.RunCompletion{
		Status:     repo.StatusSucceeded,
		FinishedAt: time.Now().UTC(),
		Images:     len(out.Files.Images),
		Weights:    len(out.Files.Weights),
	}
	if total, err := filemap.TotalBytes(out.Files); err == nil {
		done.Bytes = total
	}
	switch {
	case runErr != nil:
		done.Status = repo.StatusFailed
		done.ErrorMessage = runErr.Error()
	case out.NoData:
		done.Status = repo.StatusNoData
	case out.Submission != nil && out.Submission.JobID != "":
		done.Status = repo.StatusSubmitted
	}
	if out.Submission != nil {
		done.Executor = out.Submission.Executor
		done.JobID = out.Submission.JobID
	}
	if err := s.ledger.CompleteRun(context.WithoutCancel(ctx), out.RunID, done); err != nil {
		s.logger.Warn("ledger complete run failed", "run_id", out.RunID, "error", err)
	}
}
