// Package widget supplies the quote widget markup served as the server's UI
// resource. A Store either snapshots the file once at startup or re-reads it
// on every access; both return whole-file values and surface read failures
// as errors rather than empty content.
package widget

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	// URI addresses the widget resource.
	URI = "ui://widget/quote.html"
	// MimeType marks the markup as an MCP app resource for UI-capable hosts.
	MimeType = "text/html;profile=mcp-app"
	// Name is the resource name advertised in resources/list.
	Name = "quote-widget"
	// DefaultPath is where the widget markup lives relative to the working
	// directory.
	DefaultPath = "public/quote-widget.html"
)

var (
	// ErrNotFound is returned when the backing file does not exist.
	ErrNotFound = errors.New("widget: file not found")
	// ErrEmpty is returned when the backing file exists but holds no markup.
	ErrEmpty = errors.New("widget: file is empty")
)

// Content is one self-consistent read of the widget.
type Content struct {
	URI      string
	MimeType string
	Text     string
}

// Store supplies the current widget content.
type Store interface {
	Read(ctx context.Context) (Content, error)
}

type config struct {
	uri      string
	mimeType string
}

// Option configures a Store.
type Option func(*config)

// WithURI overrides the URI stamped on returned content.
func WithURI(uri string) Option { return func(c *config) { c.uri = uri } }

// WithMimeType overrides the MIME type stamped on returned content.
func WithMimeType(mt string) Option { return func(c *config) { c.mimeType = mt } }

func newConfig(opts []Option) config {
	c := config{uri: URI, mimeType: MimeType}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func (c config) content(text string) Content {
	return Content{URI: c.uri, MimeType: c.mimeType, Text: text}
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("widget: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return string(data), nil
}

// Snapshot serves the content captured when it was constructed.
type Snapshot struct {
	content Content
}

// NewSnapshot reads path once. The error is fatal for callers that want a
// snapshot: there is no later read that could recover.
func NewSnapshot(path string, opts ...Option) (*Snapshot, error) {
	text, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &Snapshot{content: newConfig(opts).content(text)}, nil
}

func (s *Snapshot) Read(ctx context.Context) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	return s.content, nil
}

// Live re-reads its file on every Read.
type Live struct {
	path string
	cfg  config
}

// NewLive returns a store that reads path on access. The file need not exist
// yet.
func NewLive(path string, opts ...Option) *Live {
	return &Live{path: path, cfg: newConfig(opts)}
}

// Path returns the backing file path.
func (l *Live) Path() string { return l.path }

func (l *Live) Read(ctx context.Context) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	text, err := readFile(l.path)
	if err != nil {
		return Content{}, err
	}
	return l.cfg.content(text), nil
}

// Static serves fixed in-memory markup.
type Static struct {
	content Content
}

// NewStatic returns a store for markup that is already in memory, such as an
// embedded file.
func NewStatic(text string, opts ...Option) *Static {
	return &Static{content: newConfig(opts).content(text)}
}

func (s *Static) Read(ctx context.Context) (Content, error) {
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}
	return s.content, nil
}

// Policy selects how the widget file is read.
type Policy string

const (
	// PolicySnapshot reads the file once at startup.
	PolicySnapshot Policy = "snapshot"
	// PolicyLive re-reads the file on every resource read.
	PolicyLive Policy = "live"
)

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicySnapshot, PolicyLive:
		return p, nil
	case "":
		return PolicySnapshot, nil
	default:
		return "", fmt.Errorf("widget: unknown policy %q (want %q or %q)", s, PolicySnapshot, PolicyLive)
	}
}

// Open builds the Store for policy.
func Open(policy Policy, path string, opts ...Option) (Store, error) {
	switch policy {
	case PolicySnapshot:
		s, err := NewSnapshot(path, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case PolicyLive:
		return NewLive(path, opts...), nil
	default:
		return nil, fmt.Errorf("widget: unknown policy %q", policy)
	}
}
