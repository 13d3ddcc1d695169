package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/animus-labs/cubemosaic/internal/domain"
)

// Downloader streams archive artifacts into a local directory. Files are
// written under a temporary name and renamed once complete.
type Downloader struct {
	http *http.Client
}

func NewDownloader(httpClient *http.Client) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Downloader{http: httpClient}
}

// fileParams are query parameters that name the served file on download
// endpoints such as .../download?file=cube.fits.
var fileParams = []string{"file", "filename"}

// FilenameForURL is the local name a URL downloads to: the base of its file
// query parameter when there is one, otherwise its last path segment.
func FilenameForURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	name := path.Base(u.Path)
	q := u.Query()
	for _, key := range fileParams {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			name = path.Base(v)
			break
		}
	}
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("url has no file name: %q", rawURL)
	}
	return name, nil
}

func (d *Downloader) FileName(rawURL string) (string, error) {
	return FilenameForURL(rawURL)
}

func (d *Downloader) Download(ctx context.Context, rawURL, dir string) (domain.DownloadedFile, error) {
	name, err := FilenameForURL(rawURL)
	if err != nil {
		return domain.DownloadedFile{}, err
	}
	dest := filepath.Join(dir, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.DownloadedFile{}, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return domain.DownloadedFile{}, fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return domain.DownloadedFile{}, fmt.Errorf("download %s: status=%d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	tmp := filepath.Join(dir, "."+name+"."+uuid.NewString()+".part")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.DownloadedFile{}, fmt.Errorf("create %s: %w", tmp, err)
	}
	hasher := sha256.New()
	written, copyErr := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp)
		return domain.DownloadedFile{}, fmt.Errorf("write %s: %w", name, err)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		_ = os.Remove(tmp)
		return domain.DownloadedFile{}, fmt.Errorf("write %s: short body (%d of %d bytes)", name, written, resp.ContentLength)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return domain.DownloadedFile{}, fmt.Errorf("rename %s: %w", name, err)
	}

	return domain.DownloadedFile{
		URL:    rawURL,
		Path:   dest,
		Bytes:  written,
		SHA256: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
