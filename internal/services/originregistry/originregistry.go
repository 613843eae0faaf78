package originregistry

import (
	"strings"

	"github.com/openpulse/pulse/internal/event"
	"github.com/openpulse/pulse/internal/platform/logger"
)

// Service answers whether a beacon's origin belongs to a registered site.
type Service interface {
	IsOriginRegistered(origin string) bool
}

type service struct {
	log     *logger.Logger
	domains map[string]struct{}
}

// NewService builds a registry from a comma separated domain list.
// Subdomains of a registered domain are accepted. Internationalized names
// are stored in their ASCII (punycode) form, the form browsers put in the
// Origin header.
func NewService(log *logger.Logger, registered string) Service {
	domains := make(map[string]struct{})
	for _, raw := range strings.Split(registered, ",") {
		raw = strings.ToLower(strings.TrimSpace(raw))
		if raw == "" {
			continue
		}
		domain, err := event.ParseDomainName(raw)
		if err != nil {
			log.Warn("skipping invalid registered domain", "domain", raw, "error", err)
			continue
		}
		domains[domain.String()] = struct{}{}
	}

	log = log.With("service", "originregistry")
	log.Info("origin registry configured", "domains", len(domains))

	return service{log: log, domains: domains}
}

// IsOriginRegistered implements Service.
func (s service) IsOriginRegistered(origin string) bool {
	host := strings.ToLower(normalizeOrigin(origin))
	if host == "" {
		return false
	}

	if _, ok := s.domains[host]; ok {
		return true
	}

	// Walk parent domains so sub.example.com matches example.com.
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
		if _, ok := s.domains[host]; ok {
			return true
		}
	}
}

// normalizeOrigin strips scheme and port from an Origin header value.
func normalizeOrigin(origin string) string {
	origin, found := strings.CutPrefix(origin, "https://")
	if !found {
		origin = strings.TrimPrefix(origin, "http://")
	}
	if i := strings.LastIndexByte(origin, ':'); i > 0 && !strings.Contains(origin[i:], "]") {
		origin = origin[:i]
	}
	return strings.TrimSuffix(strings.TrimPrefix(origin, "["), "]")
}
