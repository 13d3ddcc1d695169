// Package config holds the tunable constants of a cutout + mosaic run.
//
// Settings are layered: Defaults, then an optional YAML profile, then
// CUBEMOSAIC_* environment variables. The CLI applies its flags last. Settings
// is passed by value into every component so tests can override any field.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/cubemosaic/internal/platform/env"
)

const (
	DefaultTAPURL    = "https://casda.csiro.au/casda_vo_tools/tap"
	DefaultCutoutURL = "https://casda.csiro.au/casda_data_access/cutout"
	DefaultSesameURL = "https://cds.unistra.fr/cgi-bin/nph-sesame/-ox/SNV"

	// HIRestFrequencyHz is the 21cm neutral hydrogen line.
	HIRestFrequencyHz = 1.420405751786e9

	CollectionPlaceholder = "$OBS_COLLECTION"

	DefaultQueryTemplate = "SELECT * FROM ivoa.obscore WHERE (obs_collection LIKE '%$OBS_COLLECTION%' AND " +
		"quality_level != 'REJECTED' AND " +
		"(filename LIKE '%contsub%' OR filename LIKE '%weight%') AND " +
		"(dataproduct_subtype = 'spectral.restored.3d' OR dataproduct_subtype = 'spectral.weight.3d'))"
)

type ContainerSettings struct {
	LocalRuntime      string `yaml:"local_runtime"`
	DockerImage       string `yaml:"docker_image"`
	SingularityImage  string `yaml:"singularity_image"`
	SingularityModule string `yaml:"singularity_module"`
	SingularityBin    string `yaml:"singularity_bin"`
	DockerBin         string `yaml:"docker_bin"`
	Scratch           string `yaml:"scratch"`
}

type SchedulerSettings struct {
	SbatchBin string `yaml:"sbatch_bin"`
	Account   string `yaml:"account"`
	Time      string `yaml:"time"`
	Memory    string `yaml:"memory"`
}

type Settings struct {
	RestFrequencyHz float64       `yaml:"rest_frequency_hz"`
	SeparationDeg   float64       `yaml:"separation_deg"`
	GalacticMarker  string        `yaml:"galactic_marker"`
	ChecksumMarker  string        `yaml:"checksum_marker"`
	WeightMarker    string        `yaml:"weight_marker"`
	TAPURL          string        `yaml:"tap_url"`
	CutoutURL       string        `yaml:"cutout_url"`
	SesameURL       string        `yaml:"sesame_url"`
	QueryTemplate   string        `yaml:"query_template"`
	Workers         int           `yaml:"workers"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
	LedgerURL       string        `yaml:"ledger_url"`
	ArtifactBucket  string        `yaml:"artifact_bucket"`

	Container ContainerSettings `yaml:"container"`
	Scheduler SchedulerSettings `yaml:"scheduler"`
}

func Defaults() Settings {
	return Settings{
		RestFrequencyHz: HIRestFrequencyHz,
		SeparationDeg:   math.Sqrt(3*3 + 3*3),
		GalacticMarker:  "MilkyWay",
		ChecksumMarker:  ".checksum",
		WeightMarker:    "weight",
		TAPURL:          DefaultTAPURL,
		CutoutURL:       DefaultCutoutURL,
		SesameURL:       DefaultSesameURL,
		QueryTemplate:   DefaultQueryTemplate,
		Workers:         4,
		PollInterval:    5 * time.Second,
		HTTPTimeout:     0,
		Container: ContainerSettings{
			LocalRuntime:      "singularity",
			DockerImage:       "docker://csirocass/askapsoft-1.15.0",
			SingularityImage:  "askapsoft.sif",
			SingularityModule: "singularity/4.1.0",
			SingularityBin:    "singularity",
			DockerBin:         "docker",
			Scratch:           "/scratch",
		},
		Scheduler: SchedulerSettings{
			SbatchBin: "sbatch",
			Account:   "ja3",
			Time:      "01:00:00",
			Memory:    "32G",
		},
	}
}

// LoadProfile overlays a YAML profile on base. Unknown keys are rejected.
func LoadProfile(path string, base Settings) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read profile: %w", err)
	}
	out := base
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return base, nil
		}
		return Settings{}, fmt.Errorf("decode profile %s: %w", path, err)
	}
	return out, nil
}

// FromEnv applies CUBEMOSAIC_* overrides on top of base.
func FromEnv(base Settings) (Settings, error) {
	out := base
	var err error

	out.TAPURL = env.String("CUBEMOSAIC_TAP_URL", out.TAPURL)
	out.CutoutURL = env.String("CUBEMOSAIC_CUTOUT_URL", out.CutoutURL)
	out.SesameURL = env.String("CUBEMOSAIC_SESAME_URL", out.SesameURL)
	out.QueryTemplate = env.String("CUBEMOSAIC_QUERY", out.QueryTemplate)
	out.LedgerURL = env.String("CUBEMOSAIC_LEDGER_URL", out.LedgerURL)
	out.ArtifactBucket = env.String("CUBEMOSAIC_ARTIFACT_BUCKET", out.ArtifactBucket)

	if out.RestFrequencyHz, err = env.Float("CUBEMOSAIC_REST_FREQUENCY_HZ", out.RestFrequencyHz); err != nil {
		return Settings{}, err
	}
	if out.SeparationDeg, err = env.Float("CUBEMOSAIC_SEPARATION_DEG", out.SeparationDeg); err != nil {
		return Settings{}, err
	}
	if out.Workers, err = env.Int("CUBEMOSAIC_WORKERS", out.Workers); err != nil {
		return Settings{}, err
	}
	if out.PollInterval, err = env.Duration("CUBEMOSAIC_POLL_INTERVAL", out.PollInterval); err != nil {
		return Settings{}, err
	}
	if out.HTTPTimeout, err = env.Duration("CUBEMOSAIC_HTTP_TIMEOUT", out.HTTPTimeout); err != nil {
		return Settings{}, err
	}

	out.Container.LocalRuntime = env.String("CUBEMOSAIC_LOCAL_RUNTIME", out.Container.LocalRuntime)
	out.Container.DockerImage = env.String("CUBEMOSAIC_DOCKER_IMAGE", out.Container.DockerImage)
	out.Container.SingularityImage = env.String("CUBEMOSAIC_SINGULARITY_IMAGE", out.Container.SingularityImage)
	out.Container.SingularityModule = env.String("CUBEMOSAIC_SINGULARITY_MODULE", out.Container.SingularityModule)
	out.Container.Scratch = env.String("CUBEMOSAIC_SCRATCH", out.Container.Scratch)

	out.Scheduler.SbatchBin = env.String("CUBEMOSAIC_SBATCH_BIN", out.Scheduler.SbatchBin)
	out.Scheduler.Account = env.String("CUBEMOSAIC_SBATCH_ACCOUNT", out.Scheduler.Account)
	out.Scheduler.Time = env.String("CUBEMOSAIC_SBATCH_TIME", out.Scheduler.Time)
	out.Scheduler.Memory = env.String("CUBEMOSAIC_SBATCH_MEM", out.Scheduler.Memory)

	return out, nil
}

func (s Settings) Validate() error {
	if s.RestFrequencyHz <= 0 {
		return errors.New("rest frequency must be positive")
	}
	if s.SeparationDeg <= 0 {
		return errors.New("separation must be positive")
	}
	if strings.TrimSpace(s.TAPURL) == "" {
		return errors.New("tap url is required")
	}
	if strings.TrimSpace(s.CutoutURL) == "" {
		return errors.New("cutout url is required")
	}
	if !strings.Contains(s.QueryTemplate, CollectionPlaceholder) {
		return fmt.Errorf("query template must contain %s", CollectionPlaceholder)
	}
	if s.Workers < 1 {
		return errors.New("workers must be >= 1")
	}
	if s.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if s.HTTPTimeout < 0 {
		return errors.New("http timeout must be >= 0")
	}
	switch s.Container.LocalRuntime {
	case "singularity", "docker":
	default:
		return fmt.Errorf("local runtime unsupported: %q", s.Container.LocalRuntime)
	}
	return nil
}
