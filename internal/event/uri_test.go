package event

import (
	"errors"
	"testing"
)

func TestParseURINormalizesPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		rawURI   string
		wantPath string
	}{
		{"empty path", "http://example.com", "/"},
		{"root", "http://example.com/", "/"},
		{"plain", "http://example.com/foo", "/foo"},
		{"trailing slash", "http://example.com/foo/", "/foo"},
		{"dot segments", "http://example.com/a/b/../c/./d", "/a/c/d"},
		{"double slash", "http://example.com//foo", "/foo"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			u, err := ParseURI(tt.rawURI)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := u.Path(); got != tt.wantPath {
				t.Fatalf("unexpected path: got=%q want=%q", got, tt.wantPath)
			}
		})
	}
}

func TestParseURIRejectsRelative(t *testing.T) {
	t.Parallel()

	for _, rawURI := range []string{"", "/foo", "foo/bar", "//example.com/foo"} {
		if _, err := ParseURI(rawURI); !errors.Is(err, ErrURIRelative) && !errors.Is(err, ErrURIInvalid) {
			t.Fatalf("expected error for %q, got %v", rawURI, err)
		}
	}
}

func TestURIHostname(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rawURI string
		want   string
	}{
		{"http://example.com/foo", "example.com"},
		{"http://example.com:8080/foo", "example.com"},
		{"http://[::1]:8080/foo", "::1"},
	}
	for _, tt := range tests {
		u, err := ParseURI(tt.rawURI)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.rawURI, err)
		}
		if got := u.Hostname(); got != tt.want {
			t.Fatalf("unexpected hostname for %q: got=%q want=%q", tt.rawURI, got, tt.want)
		}
	}
}

func TestURIRootURI(t *testing.T) {
	t.Parallel()

	u, err := ParseURI("https://example.com/deep/path?q=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	root := u.RootURI()
	if got := root.String(); got != "https://example.com/" {
		t.Fatalf("unexpected root uri: got=%q want=%q", got, "https://example.com/")
	}
	if len(root.Query()) != 0 {
		t.Fatalf("root uri kept query: %v", root.Query())
	}
}

func TestReferrerURIDirect(t *testing.T) {
	t.Parallel()

	direct, err := ParseReferrerURI("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if direct.IsValid() {
		t.Fatal("empty referrer should be invalid (direct)")
	}
	if got := direct.HostOrDirect(); got != "direct" {
		t.Fatalf("unexpected referrer host: got=%q want=%q", got, "direct")
	}

	external, err := ParseReferrerURI("https://news.ycombinator.com/item?id=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := external.HostOrDirect(); got != "news.ycombinator.com" {
		t.Fatalf("unexpected referrer host: got=%q", got)
	}

	if _, err := ParseReferrerURI("/relative"); err == nil {
		t.Fatal("expected error for relative referrer")
	}
}
