package event

import (
	"errors"

	"golang.org/x/net/idna"
)

var errEmptyDomain = errors.New("domain name is empty")

// DomainName is a valid domain name per RFC 5891, stored in ASCII form.
type DomainName struct {
	value string
}

// ParseDomainName parses and validates a domain name. Internationalized
// names are converted to their ASCII (punycode) form.
func ParseDomainName(value string) (DomainName, error) {
	if value == "" {
		return DomainName{}, errEmptyDomain
	}
	domain, err := idna.Lookup.ToASCII(value)
	if err != nil {
		return DomainName{}, err
	}
	return DomainName{domain}, nil
}

// String implements fmt.Stringer.
func (dn DomainName) String() string { return dn.value }
