// Package artifact persists provider-hosted generation outputs to durable
// storage and returns permanent URLs for them.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store persists a provider output and returns its permanent URL.
type Store interface {
	Persist(ctx context.Context, sourceURL string) (string, error)
}

// DiskStore downloads artifacts into a local asset directory served under
// BaseURL. File names are fresh UUIDs; the source extension is kept.
type DiskStore struct {
	Dir     string
	BaseURL string
	Client  *http.Client
}

// NewDiskStore creates a disk-backed artifact store rooted at dir.
func NewDiskStore(dir, baseURL string) *DiskStore {
	return &DiskStore{
		Dir:     dir,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  http.DefaultClient,
	}
}

// Persist downloads sourceURL into the asset directory and returns the
// permanent URL. A partial download never leaves a file behind.
func (d *DiskStore) Persist(ctx context.Context, sourceURL string) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create asset dir: %w", err)
	}

	ext := path.Ext(sourceURL)
	if ext == "" || len(ext) > 8 {
		ext = ".mp4"
	}
	name := uuid.New().String() + ext
	dest := filepath.Join(d.Dir, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download artifact: unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("write artifact file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("close artifact file: %w", err)
	}

	return d.BaseURL + "/" + name, nil
}

var _ Store = (*DiskStore)(nil)
