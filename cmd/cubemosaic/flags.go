package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/animus-labs/cubemosaic/internal/config"
	"github.com/animus-labs/cubemosaic/internal/platform/env"
)

var errUsage = errors.New("usage")

const (
	cmdRun      = "run"
	cmdDownload = "download"
	cmdMosaic   = "mosaic"

	modeSlurm = "slurm"
	modeLocal = "local"
)

// rangeFlag takes two numbers separated by spaces or commas, e.g. "1400 1440".
type rangeFlag []float64

func (r *rangeFlag) String() string {
	parts := make([]string, len(*r))
	for i, v := range *r {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func (r *rangeFlag) Set(s string) error {
	fields := strings.FieldsFunc(s, func(c rune) bool { return c == ' ' || c == ',' })
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return fmt.Errorf("parse %q: %w", f, err)
		}
		out = append(out, v)
	}
	*r = out
	return nil
}

// optionalFloat distinguishes "not given" from zero.
type optionalFloat struct {
	v   float64
	set bool
}

func (o *optionalFloat) String() string {
	if !o.set {
		return ""
	}
	return strconv.FormatFloat(o.v, 'g', -1, 64)
}

func (o *optionalFloat) Set(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return err
	}
	o.v, o.set = v, true
	return nil
}

func (o *optionalFloat) ptr() *float64 {
	if !o.set {
		return nil
	}
	v := o.v
	return &v
}

type options struct {
	command string

	profile        string
	credentials    string
	credentialsSet bool
	verbose        bool
	mode           string
	template       string

	name       string
	ra, dec    optionalFloat
	radius     float64
	freqMHz    rangeFlag
	velKms     rangeFlag
	collection string
	output     string
	filename   string
	milkyway   bool
	obsIDs     string
	fileMap    string

	// settings flags, applied after defaults, profile and environment
	overrides []func(*config.Settings)
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: cubemosaic <run|download|mosaic> [flags]")
		return options{}, errUsage
	}
	opts := options{command: args[0]}
	switch opts.command {
	case cmdRun, cmdDownload, cmdMosaic:
	case "-h", "--help", "help":
		fmt.Fprintln(stderr, "usage: cubemosaic <run|download|mosaic> [flags]")
		return options{}, flag.ErrHelp
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", opts.command)
		return options{}, errUsage
	}

	fs := flag.NewFlagSet("cubemosaic "+opts.command, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.profile, "profile", env.String("CUBEMOSAIC_PROFILE", ""), "YAML settings profile")
	fs.BoolVar(&opts.verbose, "verbose", false, "debug logging")
	fs.StringVar(&opts.output, "output", "", "output directory for cutouts, file map and mosaic")
	fs.StringVar(&opts.filename, "filename", "mosaic.fits", "mosaic image file name; weights get a weights. prefix")

	strOverride := func(name, usage string, apply func(*config.Settings, string)) {
		fs.Func(name, usage, func(v string) error {
			opts.overrides = append(opts.overrides, func(s *config.Settings) { apply(s, v) })
			return nil
		})
	}
	strOverride("ledger", "run ledger URL (postgres:// or sqlite path)", func(s *config.Settings, v string) { s.LedgerURL = v })
	strOverride("bucket", "MinIO bucket for run artifacts", func(s *config.Settings, v string) { s.ArtifactBucket = v })
	strOverride("singularity", "singularity environment module", func(s *config.Settings, v string) { s.Container.SingularityModule = v })
	strOverride("scratch", "scratch mount bound into the container", func(s *config.Settings, v string) { s.Container.Scratch = v })
	strOverride("docker-image", "ASKAPsoft docker image containing linmos", func(s *config.Settings, v string) { s.Container.DockerImage = v })
	strOverride("container", "singularity image; relative paths resolve against --output", func(s *config.Settings, v string) { s.Container.SingularityImage = v })
	strOverride("runtime", "local container runtime: singularity or docker", func(s *config.Settings, v string) { s.Container.LocalRuntime = v })
	strOverride("account", "SBATCH --account", func(s *config.Settings, v string) { s.Scheduler.Account = v })
	strOverride("time", "SBATCH --time", func(s *config.Settings, v string) { s.Scheduler.Time = v })
	strOverride("mem", "SBATCH --mem", func(s *config.Settings, v string) { s.Scheduler.Memory = v })
	fs.StringVar(&opts.mode, "mode", modeSlurm, "mosaic executor: slurm or local")
	fs.StringVar(&opts.template, "template", "", "linmos config template (default: built in)")

	if opts.command == cmdMosaic {
		fs.StringVar(&opts.fileMap, "file-map", "", "file_map.json written by a previous download (default: <output>/file_map.json)")
	} else {
		fs.StringVar(&opts.credentials, "config", "casda.ini", "archive credentials INI file")
		fs.StringVar(&opts.name, "name", "", "target source name")
		fs.Var(&opts.ra, "ra", "centre RA [deg]")
		fs.Var(&opts.dec, "dec", "centre Dec [deg]")
		fs.Float64Var(&opts.radius, "radius", 0, "radius [arcmin]")
		fs.Var(&opts.freqMHz, "freq", `frequency range [MHz], e.g. "1400 1440"`)
		fs.Var(&opts.velKms, "vel", `velocity range [km/s], e.g. "500 1500"`)
		fs.StringVar(&opts.collection, "obs_collection", "", "obscore obs_collection keyword")
		fs.BoolVar(&opts.milkyway, "milkyway", false, "select MilkyWay cubes instead of extragalactic ones")
		fs.StringVar(&opts.obsIDs, "obs-ids", strings.Join(env.List("CUBEMOSAIC_OBS_IDS", nil), ","), "comma separated observation ids to keep")
		strOverride("url", "TAP service URL", func(s *config.Settings, v string) { s.TAPURL = v })
		strOverride("cutout-url", "cutout service URL", func(s *config.Settings, v string) { s.CutoutURL = v })
		strOverride("sesame-url", "name resolver URL", func(s *config.Settings, v string) { s.SesameURL = v })
		strOverride("query", "obscore query template", func(s *config.Settings, v string) { s.QueryTemplate = v })
		fs.Func("workers", "concurrent cutout groups", func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			opts.overrides = append(opts.overrides, func(s *config.Settings) { s.Workers = n })
			return nil
		})
	}

	if err := fs.Parse(args[1:]); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return options{}, errUsage
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			opts.credentialsSet = true
		}
	})

	if strings.TrimSpace(opts.output) == "" {
		fmt.Fprintln(stderr, "--output is required")
		return options{}, errUsage
	}
	switch opts.mode {
	case modeSlurm, modeLocal:
	default:
		fmt.Fprintf(stderr, "--mode must be %s or %s\n", modeSlurm, modeLocal)
		return options{}, errUsage
	}
	return opts, nil
}

// loadSettings layers defaults, profile, environment and flags.
func (o options) loadSettings() (config.Settings, error) {
	s := config.Defaults()
	var err error
	if strings.TrimSpace(o.profile) != "" {
		if s, err = config.LoadProfile(o.profile, s); err != nil {
			return config.Settings{}, err
		}
	}
	if s, err = config.FromEnv(s); err != nil {
		return config.Settings{}, err
	}
	for _, apply := range o.overrides {
		apply(&s)
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

func (o options) obsIDList() []string {
	var out []string
	for _, id := range strings.Split(o.obsIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
