package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/cubemosaic/internal/archive"
	"github.com/animus-labs/cubemosaic/internal/archive/archivetest"
	"github.com/animus-labs/cubemosaic/internal/config"
	"github.com/animus-labs/cubemosaic/internal/cutout"
	"github.com/animus-labs/cubemosaic/internal/domain"
	"github.com/animus-labs/cubemosaic/internal/filemap"
	"github.com/animus-labs/cubemosaic/internal/mosaic"
	"github.com/animus-labs/cubemosaic/internal/platform/sqldb"
	"github.com/animus-labs/cubemosaic/internal/repo"
	"github.com/animus-labs/cubemosaic/internal/repo/sqlstore"
	"github.com/animus-labs/cubemosaic/internal/runtimeexec"
	"github.com/animus-labs/cubemosaic/internal/selection"
	"github.com/animus-labs/cubemosaic/internal/sky"
)

// fakeExecutor stands in for linmos: local kinds write the mosaic outputs,
// the slurm kind only hands back a job id.
type fakeExecutor struct {
	kind        string
	skipOutputs bool

	mu    sync.Mutex
	specs []runtimeexec.JobSpec
}

func (f *fakeExecutor) Kind() string { return f.kind }

func (f *fakeExecutor) Submit(_ context.Context, spec runtimeexec.JobSpec) (domain.Submission, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.kind == runtimeexec.KindSlurm {
		return domain.Submission{Executor: f.kind, JobID: "4242", ScriptPath: filepath.Join(spec.WorkDir, runtimeexec.ScriptFileName)}, nil
	}
	if !f.skipOutputs {
		for _, name := range []string{"mosaic.fits", "weights.mosaic.fits"} {
			if err := os.WriteFile(filepath.Join(spec.WorkDir, name), []byte("mosaic"), 0o644); err != nil {
				return domain.Submission{}, err
			}
		}
	}
	return domain.Submission{Executor: f.kind}, nil
}

type fakePublisher struct {
	runID string
	paths []string
}

func (f *fakePublisher) Publish(_ context.Context, runID string, paths ...string) ([]string, error) {
	f.runID = runID
	var keys []string
	for _, p := range paths {
		if p != "" {
			f.paths = append(f.paths, p)
			keys = append(keys, "runs/"+runID+"/"+filepath.Base(p))
		}
	}
	return keys, nil
}

type harness struct {
	srv       *archivetest.Server
	service   *Service
	executor  *fakeExecutor
	ledger    *sqlstore.LedgerStore
	publisher *fakePublisher
}

func observation(obs string, ra, dec float64) []domain.CatalogRecord {
	return []domain.CatalogRecord{
		{ObsID: obs, Filename: "image.restored.i." + obs + ".contsub.fits", Subtype: domain.SubtypeRestoredCube, Collection: "WALLABY", Quality: "GOOD", RA: ra, Dec: dec},
		{ObsID: obs, Filename: "weights.i." + obs + ".fits", Subtype: domain.SubtypeWeightCube, Collection: "WALLABY", Quality: "GOOD", RA: ra, Dec: dec},
	}
}

func newHarness(t *testing.T, executorKind string) *harness {
	t.Helper()
	srv := archivetest.New()
	t.Cleanup(srv.Close)
	srv.Checksums = true
	srv.PendingPolls = 1

	settings := config.Defaults()
	settings.PollInterval = 5 * time.Millisecond
	settings.Workers = 2

	tap, err := archive.NewTAPClient(srv.TAPURL(), srv.Client(), nil)
	require.NoError(t, err)
	cutoutClient, err := archive.NewCutoutClient(srv.CutoutURL(), srv.Client(), settings.PollInterval, nil)
	require.NoError(t, err)
	resolver, err := sky.NewResolver(nil, settings.RestFrequencyHz, nil)
	require.NoError(t, err)

	dbCfg, err := sqldb.ConfigFromEnv("sqlite://" + filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	db, dialect, err := sqldb.Open(context.Background(), dbCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(context.Background(), db))
	ledger := sqlstore.NewLedgerStore(db, dialect)

	coordinator, err := cutout.NewCoordinator(
		cutout.Config{Workers: settings.Workers, ChecksumMarker: settings.ChecksumMarker},
		cutoutClient,
		archive.NewDownloader(srv.Client()),
		NewLedgerRecorder(ledger),
		nil,
	)
	require.NoError(t, err)
	generator, err := mosaic.NewGenerator("")
	require.NoError(t, err)

	exec := &fakeExecutor{kind: executorKind}
	pub := &fakePublisher{}
	svc, err := New(Deps{
		Settings:  settings,
		Resolver:  resolver,
		Catalog:   tap,
		Filter:    selection.NewFilter(settings.SeparationDeg, settings.GalacticMarker, nil),
		Fetcher:   coordinator,
		Generator: generator,
		Executor:  exec,
		Ledger:    ledger,
		Publisher: pub,
	})
	require.NoError(t, err)
	return &harness{srv: srv, service: svc, executor: exec, ledger: ledger, publisher: pub}
}

func fptr(v float64) *float64 { return &v }

func request(outputDir string) Request {
	return Request{
		Target: sky.TargetInput{
			RA:           fptr(150),
			Dec:          fptr(-30),
			RadiusArcmin: 5,
			FrequencyHz:  []float64{1420e6, 1400e6},
		},
		Collection: "WALLABY",
		OutputDir:  outputDir,
		Filename:   "mosaic.fits",
	}
}

func TestRunEndToEndLocal(t *testing.T) {
	h := newHarness(t, runtimeexec.KindSingularity)
	var records []domain.CatalogRecord
	records = append(records, observation("ASKAP-10609", 150.5, -30.5)...)
	records = append(records, observation("ASKAP-10626", 149.2, -29.1)...)
	records = append(records, observation("ASKAP-99999", 10, 10)...)
	records = append(records, domain.CatalogRecord{ObsID: "ASKAP-10609", Filename: "image.MilkyWay.fits", Subtype: domain.SubtypeRestoredCube, Quality: "GOOD", RA: 150, Dec: -30})
	h.srv.Records = records

	out := filepath.Join(t.TempDir(), "out")
	res, err := h.service.Run(context.Background(), request(out))
	require.NoError(t, err)
	require.False(t, res.NoData)
	require.Len(t, res.Files.Images, 2)
	require.Len(t, res.Files.Weights, 2)
	require.Equal(t, filepath.Join(out, "cutout-weights.i.ASKAP-10626.fits"), res.Files.Weights["weights.i.ASKAP-10626.fits"])
	require.Equal(t, 1400e6, res.Target.Band.Low)
	require.Equal(t, 4, h.srv.DownloadCount())
	require.Equal(t, 4, h.srv.CutoutCalls())

	flat, err := filemap.Load(res.FileMapPath)
	require.NoError(t, err)
	require.Len(t, flat, 4)

	conf, err := os.ReadFile(res.ConfigPath)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(out, mosaic.ConfigFileName), res.ConfigPath)
	lines := strings.Split(string(conf), "\n")
	require.Equal(t, 1, countPrefix(lines, "linmos.names"))
	// two images and two weights, four history entries
	require.Equal(t, 1, strings.Count(namesLine(lines, "linmos.names"), ","))
	require.Equal(t, 1, strings.Count(namesLine(lines, "linmos.weights"), ","))
	require.Equal(t, 4, strings.Count(namesLine(lines, "linmos.imageHistory"), ".fits"))
	require.Contains(t, string(conf), "linmos.outname          = "+filepath.Join(out, "mosaic")+"\n")
	require.Contains(t, string(conf), "linmos.outweight        = "+filepath.Join(out, "weights.mosaic")+"\n")

	require.NotNil(t, res.Submission)
	require.Len(t, h.executor.specs, 1)
	require.Equal(t, res.ConfigPath, h.executor.specs[0].ConfigPath)
	require.Equal(t, "ja3", h.executor.specs[0].Resources.Account)

	require.Equal(t, []string{"runs/" + res.RunID + "/file_map.json", "runs/" + res.RunID + "/linmos.conf"}, res.Published)

	run, err := h.ledger.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusSucceeded, run.Status)
	require.Equal(t, 2, run.Images)
	require.Equal(t, 2, run.Weights)
	require.Positive(t, run.Bytes)

	groups, err := h.ledger.ListGroups(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, groups, 4)
	for _, g := range groups {
		require.Equal(t, repo.StatusSucceeded, g.Status)
		require.Len(t, g.Digests, 1)
	}
}

func TestRunBatchSubmission(t *testing.T) {
	h := newHarness(t, runtimeexec.KindSlurm)
	h.srv.Records = observation("ASKAP-10609", 150.5, -30.5)

	res, err := h.service.Run(context.Background(), request(filepath.Join(t.TempDir(), "out")))
	require.NoError(t, err)
	require.Equal(t, "4242", res.Submission.JobID)

	run, err := h.ledger.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusSubmitted, run.Status)
	require.Equal(t, "4242", run.JobID)
}

func TestRunLocalMissingOutputs(t *testing.T) {
	h := newHarness(t, runtimeexec.KindDocker)
	h.executor.skipOutputs = true
	h.srv.Records = observation("ASKAP-10609", 150.5, -30.5)

	res, err := h.service.Run(context.Background(), request(filepath.Join(t.TempDir(), "out")))
	require.ErrorIs(t, err, domain.ErrMosaicExecution)

	run, err := h.ledger.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusFailed, run.Status)
	require.NotEmpty(t, run.ErrorMessage)
}

func TestRunEmptySelection(t *testing.T) {
	h := newHarness(t, runtimeexec.KindSingularity)
	h.srv.Records = observation("ASKAP-99999", 10, 10)
	out := filepath.Join(t.TempDir(), "out")

	res, err := h.service.Run(context.Background(), request(out))
	require.NoError(t, err)
	require.True(t, res.NoData)
	require.Zero(t, h.srv.CutoutCalls())
	require.Zero(t, h.srv.DownloadCount())
	require.Empty(t, h.executor.specs)
	_, err = os.Stat(out)
	require.True(t, os.IsNotExist(err))

	run, err := h.ledger.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusNoData, run.Status)
}

func TestRunInvalidTargetMakesNoCalls(t *testing.T) {
	h := newHarness(t, runtimeexec.KindSingularity)
	req := request(t.TempDir())
	req.Target.Name = "NGC 5128"

	_, err := h.service.Run(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidTargetSpec)
	require.Empty(t, h.srv.QueryLog())
}

func TestRequestValidate(t *testing.T) {
	require.NoError(t, request("/out").Validate())

	noCollection := request("/out")
	noCollection.Collection = " "
	require.ErrorIs(t, noCollection.Validate(), domain.ErrInvalidTargetSpec)

	require.ErrorIs(t, request("").Validate(), domain.ErrInvalidTargetSpec)

	halfPosition := request("/out")
	halfPosition.Target.Dec = nil
	require.ErrorIs(t, halfPosition.Validate(), domain.ErrInvalidTargetSpec)
}

func TestDownloadStopsAfterFileMap(t *testing.T) {
	h := newHarness(t, runtimeexec.KindSingularity)
	h.srv.Records = observation("ASKAP-10609", 150.5, -30.5)
	out := filepath.Join(t.TempDir(), "out")

	res, err := h.service.Download(context.Background(), request(out))
	require.NoError(t, err)
	require.Equal(t, 2, res.Files.Len())
	require.FileExists(t, filepath.Join(out, filemap.FileName))
	require.NoFileExists(t, filepath.Join(out, mosaic.ConfigFileName))
	require.Empty(t, h.executor.specs)
	require.Equal(t, []string{res.FileMapPath}, h.publisher.paths)
}

func TestMosaicFromPersistedFileMap(t *testing.T) {
	h := newHarness(t, runtimeexec.KindSingularity)
	h.srv.Records = observation("ASKAP-10609", 150.5, -30.5)
	out := filepath.Join(t.TempDir(), "out")

	first, err := h.service.Download(context.Background(), request(out))
	require.NoError(t, err)

	res, err := h.service.Mosaic(context.Background(), MosaicRequest{FileMapPath: first.FileMapPath, OutputDir: out})
	require.NoError(t, err)
	require.Equal(t, first.Files, res.Files)
	require.Equal(t, filepath.Join(out, "mosaic.fits"), res.OutputImage)
	require.FileExists(t, res.ConfigPath)

	_, err = h.service.Mosaic(context.Background(), MosaicRequest{FileMapPath: filepath.Join(out, "missing.json"), OutputDir: out})
	require.ErrorIs(t, err, domain.ErrPrecondition)
}

func TestRunCutoutFailureRecordsGroup(t *testing.T) {
	h := newHarness(t, runtimeexec.KindSingularity)
	h.srv.Records = observation("ASKAP-10609", 150.5, -30.5)
	h.srv.Fail["weights.i.ASKAP-10609.fits"] = "cutout region outside cube"

	res, err := h.service.Run(context.Background(), request(filepath.Join(t.TempDir(), "out")))
	require.Error(t, err)
	require.Contains(t, err.Error(), "ASKAP-10609/weight")
	require.Empty(t, h.executor.specs)

	groups, err := h.ledger.ListGroups(context.Background(), res.RunID)
	require.NoError(t, err)
	var weight *repo.GroupRecord
	for i := range groups {
		if groups[i].Kind == string(domain.KindWeight) {
			weight = &groups[i]
		}
	}
	require.NotNil(t, weight)
	require.Equal(t, repo.StatusFailed, weight.Status)
	require.Contains(t, weight.ErrorMessage, "cutout region outside cube")

	run, err := h.ledger.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Equal(t, repo.StatusFailed, run.Status)
}

func countPrefix(lines []string, prefix string) int {
	n := 0
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

func namesLine(lines []string, key string) string {
	for _, l := range lines {
		if strings.HasPrefix(l, key+" ") {
			return l
		}
	}
	return ""
}
