// Package update checks a remote manifest for a newer agent build and
// downloads it. Installing the download is left to the package manager.
package update

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultChanges is reported when the manifest has no changes text.
const DefaultChanges = "New features and bug fixes."

// DefaultTimeout bounds connecting and waiting for response headers.
const DefaultTimeout = 5 * time.Second

const (
	schemaURL       = "https://securetrack.local/schema/update-manifest-v1.schema.json"
	maxManifestSize = 64 << 10
)

//go:embed manifest.schema.json
var manifestSchema []byte

// Errors.
var (
	ErrBadStatus       = errors.New("update: unexpected http status")
	ErrInvalidManifest = errors.New("update: invalid manifest")
	ErrChecksum        = errors.New("update: checksum mismatch")
)

// Manifest describes the newest published build.
type Manifest struct {
	VersionCode int    `json:"versionCode"`
	VersionName string `json:"versionName,omitempty"`
	URL         string `json:"url"`
	Changes     string `json:"changes,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
}

// Result is the outcome of a check.
type Result struct {
	Available bool
	Current   int
	Manifest  Manifest
	CheckedAt time.Time
}

// Checker fetches and validates the manifest.
type Checker struct {
	manifestURL string
	current     int
	client      *http.Client
	schema      *jsonschema.Schema
	logger      *slog.Logger
}

// CompileSchema compiles the embedded manifest schema.
func CompileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(manifestSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(schemaURL)
}

// NewClient returns an HTTP client with connect and header timeouts.
// Bodies are bounded by the caller's context instead, so large downloads
// are not cut off.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// NewChecker creates a Checker for the build numbered current. A nil client
// uses NewClient(DefaultTimeout).
func NewChecker(manifestURL string, current int, client *http.Client, logger *slog.Logger) (*Checker, error) {
	schema, err := CompileSchema()
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = NewClient(DefaultTimeout)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Checker{
		manifestURL: manifestURL,
		current:     current,
		client:      client,
		schema:      schema,
		logger:      logger.With("component", "update"),
	}, nil
}

// ParseManifest validates data against the schema and decodes it.
func (c *Checker) ParseManifest(data []byte) (Manifest, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if strings.TrimSpace(m.Changes) == "" {
		m.Changes = DefaultChanges
	}
	m.SHA256 = strings.ToLower(m.SHA256)
	return m, nil
}

func (c *Checker) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	return resp, nil
}

// Check fetches the manifest. Available is true when its version code is
// greater than the running build.
func (c *Checker) Check(ctx context.Context) (*Result, error) {
	resp, err := c.get(ctx, c.manifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := c.ParseManifest(data)
	if err != nil {
		return nil, err
	}

	r := &Result{
		Available: m.VersionCode > c.current,
		Current:   c.current,
		Manifest:  m,
		CheckedAt: time.Now(),
	}
	c.logger.Info("update check", "current", c.current, "remote", m.VersionCode, "available", r.Available)
	return r, nil
}

// Progress receives bytes written so far and the total, which is -1 when
// unknown.
type Progress func(written, total int64)

// Download streams the build into dir and returns the file path and its
// SHA-256. When the manifest carries a digest a mismatch removes the file.
func (c *Checker) Download(ctx context.Context, m Manifest, dir string, progress Progress) (string, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create download dir: %w", err)
	}

	resp, err := c.get(ctx, m.URL)
	if err != nil {
		return "", "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	name := path.Base(resp.Request.URL.Path)
	if name == "." || name == "/" || name == "" {
		name = "update.bin"
	}
	dest := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	w := io.MultiWriter(tmp, h)
	var src io.Reader = resp.Body
	if progress != nil {
		src = &progressReader{r: resp.Body, total: resp.ContentLength, fn: progress}
	}
	if _, err := io.Copy(w, src); err != nil {
		tmp.Close()
		return "", "", fmt.Errorf("download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", "", err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if m.SHA256 != "" && sum != m.SHA256 {
		return "", "", fmt.Errorf("%w: got %s want %s", ErrChecksum, sum, m.SHA256)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", "", fmt.Errorf("move download: %w", err)
	}
	c.logger.Info("update downloaded", "path", dest, "sha256", sum)
	return dest, sum, nil
}

type progressReader struct {
	r       io.Reader
	written int64
	total   int64
	fn      Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		p.fn(p.written, p.total)
	}
	return n, err
}
