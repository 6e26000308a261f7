// Package media resolves, converts and cleans up the files sent through the
// dispatcher: URL downloads, content sniffing, voice-note transcoding and
// sticker encoding.
package media

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/sipeed/walink/pkg/logger"
)

const (
	DefaultTempDir         = "./tmp"
	DefaultDownloadTimeout = 60 * time.Second

	octetStream = "application/octet-stream"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Fetcher downloads remote media into a temp directory. Local paths are
// returned unchanged.
type Fetcher struct {
	client *resty.Client
	dir    string
}

func NewFetcher(dir string, timeout time.Duration) *Fetcher {
	if dir == "" {
		dir = DefaultTempDir
	}
	if timeout <= 0 {
		timeout = DefaultDownloadTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "walink/1.0")
	return &Fetcher{client: client, dir: dir}
}

// Dir is the temp directory downloads are written to.
func (f *Fetcher) Dir() string {
	return f.dir
}

// Fetch returns a local path for source.
func (f *Fetcher) Fetch(ctx context.Context, source string) (string, error) {
	if !isRemote(source) {
		if _, err := os.Stat(source); err != nil {
			return "", fmt.Errorf("media source %s: %w", source, err)
		}
		return source, nil
	}

	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	local := filepath.Join(f.dir, fmt.Sprintf("tmp_%s_%s", uuid.NewString(), remoteName(source)))

	resp, err := f.client.R().
		SetContext(ctx).
		SetOutput(local).
		Get(source)
	if err != nil {
		os.Remove(local)
		return "", fmt.Errorf("download %s: %w", source, err)
	}
	if resp.IsError() {
		os.Remove(local)
		return "", fmt.Errorf("download %s: unexpected status %d", source, resp.StatusCode())
	}

	logger.DebugCF("media", "Media downloaded", map[string]interface{}{
		"url":      source,
		"path":     local,
		"duration": resp.Time().String(),
	})
	return local, nil
}

// DetectContentType sniffs the file content. When sniffing is inconclusive
// the extension decides.
func (f *Fetcher) DetectContentType(p string) (string, error) {
	mt, err := mimetype.DetectFile(p)
	if err != nil {
		return "", fmt.Errorf("detect content type of %s: %w", p, err)
	}
	ct := mt.String()
	if mt.Is(octetStream) || strings.HasPrefix(ct, "text/plain") {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); byExt != "" {
			return byExt, nil
		}
	}
	return ct, nil
}

// Clean removes every file in the temp directory and reports how many were
// deleted. A missing directory is not an error.
func (f *Fetcher) Clean() (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp directory: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, e.Name())); err != nil {
			logger.WarnCF("media", "Failed to remove temp file", map[string]interface{}{
				"file":  e.Name(),
				"error": err.Error(),
			})
			continue
		}
		removed++
	}
	return removed, nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// remoteName keeps the last path segment of a URL, made filesystem-safe.
func remoteName(raw string) string {
	name := ""
	if u, err := url.Parse(raw); err == nil {
		name = path.Base(u.Path)
	}
	name = unsafeName.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == "/" || name == "_" {
		return "file"
	}
	return name
}
