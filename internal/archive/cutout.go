package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

const (
	PhaseQueued    = "QUEUED"
	PhaseExecuting = "EXECUTING"
	PhaseCompleted = "COMPLETED"
	PhaseError     = "ERROR"
	PhaseAborted   = "ABORTED"
)

var ErrCutoutJobFailed = errors.New("cutout job failed")

// CutoutClient drives the archive's asynchronous cutout jobs: one job per
// catalog record, polled until it completes. Result URLs are returned in
// record order, sidecar entries included.
type CutoutClient struct {
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewCutoutClient(baseURL string, httpClient *http.Client, pollInterval time.Duration, logger *slog.Logger) (*CutoutClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("cutout url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CutoutClient{baseURL: baseURL, http: httpClient, pollInterval: pollInterval, logger: logger}, nil
}

type cutoutJob struct {
	JobID   string   `json:"job_id"`
	Phase   string   `json:"phase"`
	Results []string `json:"results"`
	Error   string   `json:"error,omitempty"`
}

func (c *CutoutClient) Cutout(ctx context.Context, req domain.CutoutRequest) ([]string, error) {
	urls := make([]string, 0, len(req.Records)*2)
	for _, record := range req.Records {
		job, err := c.submit(ctx, record, req.Target)
		if err != nil {
			return nil, fmt.Errorf("submit cutout for %s: %w", record.Filename, err)
		}
		c.logger.Debug("cutout job submitted", "obs_id", req.ObsID, "kind", req.Kind, "filename", record.Filename, "job_id", job.JobID)

		done, err := c.wait(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("cutout job %s for %s: %w", job.JobID, record.Filename, err)
		}
		urls = append(urls, done.Results...)
	}
	return urls, nil
}

func (c *CutoutClient) submit(ctx context.Context, record domain.CatalogRecord, target domain.Target) (cutoutJob, error) {
	form := url.Values{}
	form.Set("ID", record.Filename)
	form.Set("OBS_ID", record.ObsID)
	form.Set("CIRCLE", strings.Join([]string{
		formatFloat(target.Position.RA),
		formatFloat(target.Position.Dec),
		formatFloat(target.RadiusDeg()),
	}, " "))
	if !target.Band.IsZero() {
		lo, hi := target.Band.Wavelengths()
		form.Set("BAND", formatFloat(lo)+" "+formatFloat(hi))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", strings.NewReader(form.Encode()))
	if err != nil {
		return cutoutJob{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var job cutoutJob
	if err := c.do(httpReq, &job); err != nil {
		return cutoutJob{}, err
	}
	if strings.TrimSpace(job.JobID) == "" {
		return cutoutJob{}, errors.New("cutout service returned no job id")
	}
	return job, nil
}

func (c *CutoutClient) wait(ctx context.Context, job cutoutJob) (cutoutJob, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		switch strings.ToUpper(strings.TrimSpace(job.Phase)) {
		case PhaseCompleted:
			return job, nil
		case PhaseError, PhaseAborted:
			return cutoutJob{}, fmt.Errorf("%w: phase=%s: %s", ErrCutoutJobFailed, job.Phase, job.Error)
		}

		select {
		case <-ctx.Done():
			return cutoutJob{}, ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(job.JobID), nil)
		if err != nil {
			return cutoutJob{}, err
		}
		var next cutoutJob
		if err := c.do(req, &next); err != nil {
			return cutoutJob{}, err
		}
		if next.JobID == "" {
			next.JobID = job.JobID
		}
		job = next
	}
}

func (c *CutoutClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode cutout response: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
