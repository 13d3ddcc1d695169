// Command cubemosaic finds spectral-line cubes around a sky position in the
// archive, downloads cutouts of every matching image and weight cube, and
// mosaics them with linmos.
//
//	cubemosaic run      --ra 150 --dec -30 --radius 5 --freq "1400 1420" --obs_collection WALLABY --output /scratch/ja3/out
//	cubemosaic download --name "NGC 5128" --radius 10 --vel "300 800" --obs_collection WALLABY --output ./out
//	cubemosaic mosaic   --output ./out --mode local
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/animus-labs/cubemosaic/internal/domain"
	"github.com/animus-labs/cubemosaic/internal/filemap"
	"github.com/animus-labs/cubemosaic/internal/service/pipeline"
	"github.com/animus-labs/cubemosaic/internal/sky"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitInvalid = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitInvalid
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: level}))

	settings, err := opts.loadSettings()
	if err != nil {
		logger.Error("invalid settings", "error", err)
		return exitInvalid
	}

	// Reject a bad target before build dials the archive, issuer or ledger.
	if opts.command != cmdMosaic {
		if err := opts.request().Validate(); err != nil {
			logger.Error(opts.command+" failed", "error", err)
			return exitInvalid
		}
	}

	svc, cleanup, err := build(ctx, opts, settings, logger)
	defer cleanup()
	if err != nil {
		logger.Error("startup failed", "error", err)
		return exitFailure
	}

	var outcome pipeline.Outcome
	switch opts.command {
	case cmdMosaic:
		path := opts.fileMap
		if path == "" {
			path = filepath.Join(opts.output, filemap.FileName)
		}
		outcome, err = svc.Mosaic(ctx, pipeline.MosaicRequest{FileMapPath: path, OutputDir: opts.output, Filename: opts.filename})
	case cmdDownload:
		outcome, err = svc.Download(ctx, opts.request())
	default:
		outcome, err = svc.Run(ctx, opts.request())
	}
	if err != nil {
		logger.Error(opts.command+" failed", "run_id", outcome.RunID, "error", err)
		if errors.Is(err, domain.ErrInvalidTargetSpec) {
			return exitInvalid
		}
		return exitFailure
	}

	attrs := []any{"run_id", outcome.RunID, "command", opts.command}
	switch {
	case outcome.NoData:
		attrs = append(attrs, "result", "no_data")
	case outcome.Submission != nil:
		attrs = append(attrs, "executor", outcome.Submission.Executor, "job_id", outcome.Submission.JobID, "config", outcome.ConfigPath)
	default:
		attrs = append(attrs, "file_map", outcome.FileMapPath)
	}
	logger.Info("completed", attrs...)
	return exitOK
}

func (o options) request() pipeline.Request {
	in := sky.TargetInput{
		Name:         o.name,
		RA:           o.ra.ptr(),
		Dec:          o.dec.ptr(),
		RadiusArcmin: o.radius,
		VelocityKms:  o.velKms,
	}
	for _, mhz := range o.freqMHz {
		in.FrequencyHz = append(in.FrequencyHz, mhz*1e6)
	}
	return pipeline.Request{
		Target:     in,
		Collection: o.collection,
		OutputDir:  o.output,
		Filename:   o.filename,
		Galactic:   o.milkyway,
		ObsIDs:     o.obsIDList(),
	}
}
