package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Publisher copies the small run artifacts (file map, mosaic config, batch
// script) to object storage under runs/<run id>/. Cube data is never uploaded.
type Publisher struct {
	store  Store
	logger *slog.Logger
}

func NewPublisher(store Store, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{store: store, logger: logger}, nil
}

// ObjectKey is where a local artifact lands for runID.
func ObjectKey(runID, localPath string) string {
	return path.Join("runs", runID, filepath.Base(localPath))
}

// Publish uploads each path and returns the object keys in input order.
// Empty paths are skipped, and an object already holding the same content is
// left alone.
func (p *Publisher) Publish(ctx context.Context, runID string, paths ...string) ([]string, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	keys := make([]string, 0, len(paths))
	for _, local := range paths {
		if strings.TrimSpace(local) == "" {
			continue
		}
		key, err := p.publishOne(ctx, runID, local)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (p *Publisher) publishOne(ctx context.Context, runID, local string) (string, error) {
	f, err := os.Open(local)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	key := ObjectKey(runID, local)

	existing, err := p.store.Head(ctx, key)
	switch {
	case err == nil && existing.SHA256 == digest:
		p.logger.Debug("artifact unchanged", "key", key)
		return key, nil
	case err != nil && !errors.Is(err, ErrObjectNotFound):
		return "", err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind artifact: %w", err)
	}
	meta := Metadata{ContentType: contentType(local), RunID: runID, SHA256: digest}
	if err := p.store.Put(ctx, key, f, size, meta); err != nil {
		return "", err
	}
	p.logger.Info("artifact published", "key", key, "size", humanize.Bytes(uint64(size)))
	return key, nil
}

func contentType(local string) string {
	switch strings.ToLower(filepath.Ext(local)) {
	case ".json":
		return "application/json"
	case ".sh":
		return "text/x-shellscript"
	default:
		return "text/plain; charset=utf-8"
	}
}
