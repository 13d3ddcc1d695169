package sky

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

var ErrNameNotFound = errors.New("source name not found")

// SesameClient resolves names against the CDS Sesame service (-ox XML output).
type SesameClient struct {
	baseURL string
	http    *http.Client
}

func NewSesameClient(baseURL string, httpClient *http.Client) (*SesameClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("sesame url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SesameClient{baseURL: baseURL, http: httpClient}, nil
}

type sesameResponse struct {
	Targets []struct {
		Name      string `xml:"name"`
		Resolvers []struct {
			Name  string   `xml:"name,attr"`
			RADeg *float64 `xml:"jradeg"`
			DeDeg *float64 `xml:"jdedeg"`
		} `xml:"Resolver"`
	} `xml:"Target"`
}

func (c *SesameClient) Lookup(ctx context.Context, name string) (domain.Position, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Position{}, errors.New("name is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+url.PathEscape(name), nil)
	if err != nil {
		return domain.Position{}, err
	}
	req.Header.Set("Accept", "text/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Position{}, fmt.Errorf("sesame request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Position{}, fmt.Errorf("sesame read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Position{}, fmt.Errorf("sesame status=%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed sesameResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return domain.Position{}, fmt.Errorf("decode sesame response: %w", err)
	}
	for _, target := range parsed.Targets {
		for _, r := range target.Resolvers {
			if r.RADeg != nil && r.DeDeg != nil {
				return domain.Position{RA: *r.RADeg, Dec: *r.DeDeg}, nil
			}
		}
	}
	return domain.Position{}, fmt.Errorf("%w: %s", ErrNameNotFound, name)
}
