// Package archivetest runs an in-process fake of the archive's TAP, cutout and
// file endpoints for tests.
package archivetest

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

type job struct {
	id       string
	filename string
	polls    int
}

type Server struct {
	*httptest.Server

	mu sync.Mutex

	Records []domain.CatalogRecord
	// Checksums adds a .checksum sidecar URL after every cutout URL.
	Checksums bool
	// PendingPolls is how many polls report EXECUTING before COMPLETED.
	PendingPolls int
	// Drop lists filenames whose cutout job completes with no results.
	Drop map[string]bool
	// Fail lists filenames whose cutout job ends in ERROR.
	Fail map[string]string
	// QueryStatus overrides the TAP response status when non-zero.
	QueryStatus int

	Queries     []string
	CutoutForms []url.Values
	Downloads   []string

	jobs   map[string]*job
	nextID int
}

func New() *Server {
	s := &Server{
		Drop: map[string]bool{},
		Fail: map[string]string{},
		jobs: map[string]*job{},
	}
	r := chi.NewRouter()
	r.Post("/tap/sync", s.handleQuery)
	r.Post("/cutout/jobs", s.handleSubmit)
	r.Get("/cutout/jobs/{id}", s.handlePoll)
	r.Get("/files/{name}", s.handleFile)
	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) TAPURL() string    { return s.URL + "/tap" }
func (s *Server) CutoutURL() string { return s.URL + "/cutout" }

// CutoutName is the file name the fake serves for a record's cutout.
func CutoutName(filename string) string {
	return "cutout-" + filename
}

// Content is the body served for a downloaded file name.
func Content(name string) string {
	return "SIMPLE  = T / fake cube " + name
}

func (s *Server) CutoutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.CutoutForms)
}

func (s *Server) QueryLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Queries...)
}

func (s *Server) Forms() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.CutoutForms...)
}

func (s *Server) DownloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Downloads)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.Queries = append(s.Queries, r.Form.Get("QUERY"))
	status := s.QueryStatus
	records := append([]domain.CatalogRecord(nil), s.Records...)
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, "query failed", status)
		return
	}
	if r.Form.Get("FORMAT") != "csv" || r.Form.Get("LANG") != "ADQL" {
		http.Error(w, "unsupported request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"obs_id", "filename", "dataproduct_subtype", "obs_collection", "quality_level", "s_ra", "s_dec"})
	for _, rec := range records {
		_ = cw.Write([]string{
			rec.ObsID,
			rec.Filename,
			rec.Subtype,
			rec.Collection,
			rec.Quality,
			strconv.FormatFloat(rec.RA, 'f', -1, 64),
			strconv.FormatFloat(rec.Dec, 'f', -1, 64),
		})
	}
	cw.Flush()
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filename := r.Form.Get("ID")
	if filename == "" || r.Form.Get("CIRCLE") == "" {
		http.Error(w, "ID and CIRCLE are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.CutoutForms = append(s.CutoutForms, r.Form)
	s.nextID++
	j := &job{id: fmt.Sprintf("job-%d", s.nextID), filename: filename}
	s.jobs[j.id] = j
	s.mu.Unlock()

	writeJSON(w, map[string]any{"job_id": j.id, "phase": "QUEUED"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	j.polls++
	pending := j.polls <= s.PendingPolls
	failMsg, failed := s.Fail[j.filename]
	dropped := s.Drop[j.filename]
	checksums := s.Checksums
	s.mu.Unlock()

	switch {
	case pending:
		writeJSON(w, map[string]any{"job_id": id, "phase": "EXECUTING"})
	case failed:
		writeJSON(w, map[string]any{"job_id": id, "phase": "ERROR", "error": failMsg})
	default:
		results := []string{}
		if !dropped {
			u := s.URL + "/files/" + url.PathEscape(CutoutName(j.filename))
			results = append(results, u)
			if checksums {
				results = append(results, u+".checksum")
			}
		}
		writeJSON(w, map[string]any{"job_id": id, "phase": "COMPLETED", "results": results})
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if strings.HasSuffix(name, ".checksum") {
		http.Error(w, "checksum sidecars must not be downloaded", http.StatusGone)
		return
	}
	s.mu.Lock()
	s.Downloads = append(s.Downloads, name)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/fits")
	_, _ = w.Write([]byte(Content(name)))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
