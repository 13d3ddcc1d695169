package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/cubemosaic/internal/archive"
	"github.com/animus-labs/cubemosaic/internal/config"
	"github.com/animus-labs/cubemosaic/internal/cutout"
	"github.com/animus-labs/cubemosaic/internal/mosaic"
	"github.com/animus-labs/cubemosaic/internal/platform/archiveauth"
	platformstore "github.com/animus-labs/cubemosaic/internal/platform/objectstore"
	"github.com/animus-labs/cubemosaic/internal/platform/sqldb"
	"github.com/animus-labs/cubemosaic/internal/repo"
	"github.com/animus-labs/cubemosaic/internal/repo/sqlstore"
	"github.com/animus-labs/cubemosaic/internal/runtimeexec"
	"github.com/animus-labs/cubemosaic/internal/selection"
	"github.com/animus-labs/cubemosaic/internal/service/pipeline"
	"github.com/animus-labs/cubemosaic/internal/sky"
	storageobjectstore "github.com/animus-labs/cubemosaic/internal/storage/objectstore"
)

const sesameTimeout = 30 * time.Second

// build wires the pipeline. The returned cleanup closes the ledger database.
func build(ctx context.Context, opts options, settings config.Settings, logger *slog.Logger) (*pipeline.Service, func(), error) {
	cleanup := func() {}

	archiveClient, err := archiveHTTPClient(ctx, opts, settings, logger)
	if err != nil {
		return nil, cleanup, err
	}

	sesame, err := sky.NewSesameClient(settings.SesameURL, archiveauth.NewAnonymousClient(sesameTimeout))
	if err != nil {
		return nil, cleanup, err
	}
	resolver, err := sky.NewResolver(sesame, settings.RestFrequencyHz, logger)
	if err != nil {
		return nil, cleanup, err
	}
	tap, err := archive.NewTAPClient(settings.TAPURL, archiveClient, logger)
	if err != nil {
		return nil, cleanup, err
	}
	cutoutClient, err := archive.NewCutoutClient(settings.CutoutURL, archiveClient, settings.PollInterval, logger)
	if err != nil {
		return nil, cleanup, err
	}

	var ledger repo.RunLedger
	var recorder cutout.Recorder
	if url := strings.TrimSpace(settings.LedgerURL); url != "" {
		dbCfg, err := sqldb.ConfigFromEnv(url)
		if err != nil {
			return nil, cleanup, fmt.Errorf("ledger config: %w", err)
		}
		db, dialect, err := sqldb.Open(ctx, dbCfg)
		if err != nil {
			return nil, cleanup, fmt.Errorf("ledger unavailable: %w", err)
		}
		cleanup = func() { _ = db.Close() }
		if err := sqlstore.Migrate(ctx, db); err != nil {
			return nil, cleanup, err
		}
		store := sqlstore.NewLedgerStore(db, dialect)
		ledger = store
		recorder = pipeline.NewLedgerRecorder(store)
		logger.Info("run ledger enabled", "dialect", dialect)
	}

	coordinator, err := cutout.NewCoordinator(
		cutout.Config{Workers: settings.Workers, ChecksumMarker: settings.ChecksumMarker},
		cutoutClient,
		archive.NewDownloader(archiveClient),
		recorder,
		logger,
	)
	if err != nil {
		return nil, cleanup, err
	}

	var publisher pipeline.Publisher
	if bucket := strings.TrimSpace(settings.ArtifactBucket); bucket != "" {
		storeCfg, err := platformstore.ConfigFromEnv(bucket)
		if err != nil {
			return nil, cleanup, fmt.Errorf("object store config: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		store, err := storageobjectstore.NewMinioStore(startupCtx, storeCfg)
		cancel()
		if err != nil {
			return nil, cleanup, fmt.Errorf("object store unavailable: %w", err)
		}
		if publisher, err = storageobjectstore.NewPublisher(store, logger.With("bucket", store.Bucket())); err != nil {
			return nil, cleanup, err
		}
	}

	var generator *mosaic.Generator
	var executor runtimeexec.Executor
	if opts.command != cmdDownload {
		if generator, err = mosaic.NewGenerator(opts.template); err != nil {
			return nil, cleanup, err
		}
		if executor, err = newExecutor(opts, settings, logger); err != nil {
			return nil, cleanup, err
		}
	}

	svc, err := pipeline.New(pipeline.Deps{
		Settings:  settings,
		Resolver:  resolver,
		Catalog:   tap,
		Filter:    selection.NewFilter(settings.SeparationDeg, settings.GalacticMarker, logger),
		Fetcher:   coordinator,
		Generator: generator,
		Executor:  executor,
		Ledger:    ledger,
		Publisher: publisher,
		Logger:    logger,
	})
	return svc, cleanup, err
}

func archiveHTTPClient(ctx context.Context, opts options, settings config.Settings, logger *slog.Logger) (*http.Client, error) {
	path := strings.TrimSpace(opts.credentials)
	if opts.command == cmdMosaic || path == "" {
		return archiveauth.NewAnonymousClient(settings.HTTPTimeout), nil
	}
	creds, err := archiveauth.LoadCredentials(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !opts.credentialsSet {
			logger.Warn("no credentials file; archive requests are anonymous", "path", path)
			return archiveauth.NewAnonymousClient(settings.HTTPTimeout), nil
		}
		return nil, err
	}
	return archiveauth.NewHTTPClient(ctx, creds, settings.HTTPTimeout)
}

func newExecutor(opts options, settings config.Settings, logger *slog.Logger) (runtimeexec.Executor, error) {
	c := settings.Container
	container := c.SingularityImage
	if container != "" && !filepath.IsAbs(container) {
		container = filepath.Join(opts.output, container)
	}

	if opts.mode == modeSlurm {
		return runtimeexec.NewSlurmExecutor(runtimeexec.SlurmConfig{
			SbatchBin:         settings.Scheduler.SbatchBin,
			SingularityModule: c.SingularityModule,
			Container:         container,
			Scratch:           c.Scratch,
		}, logger)
	}
	switch c.LocalRuntime {
	case runtimeexec.KindDocker:
		return runtimeexec.NewDockerExecutor(runtimeexec.DockerConfig{
			DockerBin: c.DockerBin,
			Image:     c.DockerImage,
			Scratch:   c.Scratch,
		}, logger)
	default:
		return runtimeexec.NewSingularityExecutor(runtimeexec.SingularityConfig{
			SingularityBin: c.SingularityBin,
			Container:      container,
			Scratch:        c.Scratch,
		}, logger)
	}
}
