// Package archive holds the HTTP adapters for the remote data archive: the
// TAP catalog query endpoint, the cutout job service and file downloads.
package archive

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/animus-labs/cubemosaic/internal/config"
	"github.com/animus-labs/cubemosaic/internal/domain"
)

const queryComponent = "catalog_query"

var requiredColumns = []string{
	"obs_id",
	"filename",
	"dataproduct_subtype",
	"obs_collection",
	"quality_level",
	"s_ra",
	"s_dec",
}

// BuildQuery substitutes the collection keyword into every placeholder.
func BuildQuery(template, collection string) string {
	return strings.ReplaceAll(template, config.CollectionPlaceholder, strings.TrimSpace(collection))
}

type TAPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewTAPClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*TAPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("tap url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TAPClient{baseURL: baseURL, http: httpClient, logger: logger}, nil
}

// Query runs an ADQL query on the synchronous TAP endpoint and blocks until the
// service answers or ctx is done.
func (c *TAPClient) Query(ctx context.Context, query string) ([]domain.CatalogRecord, error) {
	if strings.TrimSpace(query) == "" {
		return nil, domain.Errorf(domain.ErrQueryService, queryComponent, c.baseURL, "query is empty")
	}
	form := url.Values{}
	form.Set("REQUEST", "doQuery")
	form.Set("LANG", "ADQL")
	form.Set("FORMAT", "csv")
	form.Set("QUERY", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.NewError(domain.ErrQueryService, queryComponent, c.baseURL, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/csv")

	c.logger.Info("submitting catalog query", "url", c.baseURL, "query", query)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.ErrQueryService, queryComponent, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, domain.Errorf(domain.ErrQueryService, queryComponent, c.baseURL,
			"status=%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	records, err := parseCatalogCSV(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.ErrQueryService, queryComponent, c.baseURL, err)
	}
	c.logger.Info("catalog query returned", "records", len(records))
	return records, nil
}

func parseCatalogCSV(r io.Reader) ([]domain.CatalogRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty result: missing header")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("result is missing column %q", col)
		}
	}

	records := make([]domain.CatalogRecord, 0)
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		get := func(col string) string {
			i := index[col]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		ra, err := strconv.ParseFloat(get("s_ra"), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: parse s_ra: %w", line, err)
		}
		dec, err := strconv.ParseFloat(get("s_dec"), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: parse s_dec: %w", line, err)
		}
		records = append(records, domain.CatalogRecord{
			ObsID:      get("obs_id"),
			Filename:   get("filename"),
			Subtype:    get("dataproduct_subtype"),
			Collection: get("obs_collection"),
			Quality:    get("quality_level"),
			RA:         ra,
			Dec:        dec,
		})
	}
	return records, nil
}
