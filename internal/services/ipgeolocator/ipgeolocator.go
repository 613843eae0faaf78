package ipgeolocator

import (
	"net"
	"strings"

	"github.com/openpulse/pulse/internal/platform/logger"
)

// CountryCode is an ISO 3166-1 alpha-2 country code, "XX" when unknown.
type CountryCode struct {
	value string
}

func NewCountryCode(value string) CountryCode {
	if len(value) != 2 {
		return CountryCode{"XX"}
	}
	return CountryCode{strings.ToUpper(value)}
}

// String implements fmt.Stringer.
func (cc CountryCode) String() string {
	if cc.value == "" {
		return "XX"
	}
	return cc.value
}

// MarshalJSON implements json.Marshaler.
func (cc CountryCode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + cc.String() + `"`), nil
}

// Service geolocates client IP addresses. Implementations must be safe for
// concurrent use.
type Service interface {
	FindCountryCodeForIP(ip string) CountryCode
}

type cidrEntry struct {
	network *net.IPNet
	code    CountryCode
}

type service struct {
	log     *logger.Logger
	entries []cidrEntry
}

// NewService returns a CIDR table geolocator. The table maps network ranges
// to country codes; lookups outside the table resolve to "XX". An empty
// table is valid and classifies everything as "XX".
func NewService(log *logger.Logger, table map[string]string) (Service, error) {
	entries := make([]cidrEntry, 0, len(table))
	for cidr, code := range table {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, cidrEntry{network: network, code: NewCountryCode(code)})
	}
	return service{log: log.With("service", "ipgeolocator"), entries: entries}, nil
}

// FindCountryCodeForIP implements Service. The input may be a comma
// separated list (X-Forwarded-For form); the first parseable address wins.
func (s service) FindCountryCodeForIP(ip string) CountryCode {
	for _, candidate := range strings.Split(ip, ",") {
		addr := net.ParseIP(strings.TrimSpace(candidate))
		if addr == nil {
			continue
		}
		for _, entry := range s.entries {
			if entry.network.Contains(addr) {
				return entry.code
			}
		}
		break
	}
	return CountryCode{"XX"}
}
