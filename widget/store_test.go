package widget

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeWidget(t *testing.T, path, text string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatalf("write widget: %v", err)
	}
}

func TestSnapshotIgnoresLaterEdits(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "quote-widget.html")
	writeWidget(t, path, "<p>v1</p>")

	s, err := NewSnapshot(path)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	writeWidget(t, path, "<p>v2</p>")

	c, err := s.Read(t.Context())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if c.Text != "<p>v1</p>" {
		t.Fatalf("snapshot text = %q", c.Text)
	}
	if c.URI != URI || c.MimeType != MimeType {
		t.Fatalf("unexpected identity %q %q", c.URI, c.MimeType)
	}
}

func TestSnapshotMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewSnapshot(filepath.Join(t.TempDir(), "missing.html"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLiveReflectsEdits(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "quote-widget.html")
	writeWidget(t, path, "<p>v1</p>")
	l := NewLive(path)

	c, err := l.Read(t.Context())
	if err != nil || c.Text != "<p>v1</p>" {
		t.Fatalf("first read = %q, %v", c.Text, err)
	}

	writeWidget(t, path, "<p>v2</p>")
	c, err = l.Read(t.Context())
	if err != nil || c.Text != "<p>v2</p>" {
		t.Fatalf("second read = %q, %v", c.Text, err)
	}
}

func TestLiveSurfacesReadFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "quote-widget.html")
	l := NewLive(path)

	if _, err := l.Read(t.Context()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: expected ErrNotFound, got %v", err)
	}

	writeWidget(t, path, "")
	if _, err := l.Read(t.Context()); !errors.Is(err, ErrEmpty) {
		t.Fatalf("empty: expected ErrEmpty, got %v", err)
	}
}

func TestReadHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewStatic("<p/>").Read(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenPolicies(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "w.html")
	writeWidget(t, path, "<p/>")

	cases := []struct {
		in   string
		want any
	}{
		{"", &Snapshot{}},
		{"snapshot", &Snapshot{}},
		{"LIVE", &Live{}},
	}
	for _, tc := range cases {
		p, err := ParsePolicy(tc.in)
		if err != nil {
			t.Fatalf("ParsePolicy(%q): %v", tc.in, err)
		}
		s, err := Open(p, path, WithURI("ui://widget/other.html"))
		if err != nil {
			t.Fatalf("Open(%q): %v", p, err)
		}
		switch tc.want.(type) {
		case *Snapshot:
			if _, ok := s.(*Snapshot); !ok {
				t.Fatalf("policy %q gave %T", tc.in, s)
			}
		case *Live:
			if _, ok := s.(*Live); !ok {
				t.Fatalf("policy %q gave %T", tc.in, s)
			}
		}
		c, err := s.Read(t.Context())
		if err != nil || c.URI != "ui://widget/other.html" {
			t.Fatalf("read via %q: %+v %v", tc.in, c, err)
		}
	}

	if _, err := ParsePolicy("sometimes"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestOpenSnapshotFailureReturnsNilStore(t *testing.T) {
	t.Parallel()

	s, err := Open(PolicySnapshot, filepath.Join(t.TempDir(), "missing.html"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if s != nil {
		t.Fatalf("store = %#v, want nil interface", s)
	}
}
