package event

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

var (
	ErrURIInvalid  = errors.New("invalid uri")
	ErrURIRelative = errors.New("uri is relative")
)

// URI is a parsed absolute URL. The zero value is empty and invalid.
type URI struct {
	scheme string
	host   string
	path   string
	query  url.Values
}

// ParseURI parses rawURI as an absolute URL. The path is normalized:
// dot-segments are collapsed, a trailing slash is trimmed and an empty path
// becomes "/".
func ParseURI(rawURI string) (URI, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return URI{}, ErrURIInvalid
	}
	if u.Host == "" || u.Scheme == "" {
		return URI{}, ErrURIRelative
	}

	return URI{
		scheme: u.Scheme,
		host:   u.Host,
		path:   normalizePath(u.Path),
		query:  u.Query(),
	}, nil
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	p = path.Clean(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (u URI) IsValid() bool { return u.host != "" }

func (u URI) Scheme() string { return u.scheme }

// Host returns the URI host, including any port.
func (u URI) Host() string { return u.host }

// Hostname returns the URI host without port.
func (u URI) Hostname() string {
	host := u.host
	if i := strings.LastIndexByte(host, ':'); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

func (u URI) Path() string {
	if u.path == "" {
		return "/"
	}
	return u.path
}

func (u URI) Query() url.Values { return u.query }

func (u URI) Origin() string { return u.scheme + "://" + u.host }

// RootURI returns a copy of the URI pointing at "/" with no query. Used when
// origin-only referrer policies strip the path.
func (u URI) RootURI() URI {
	return URI{scheme: u.scheme, host: u.host, path: "/"}
}

// String implements fmt.Stringer.
func (u URI) String() string {
	if !u.IsValid() {
		return ""
	}
	return u.scheme + "://" + u.host + u.Path()
}

// MarshalJSON implements json.Marshaler.
func (u URI) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}
