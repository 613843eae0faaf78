package event

// ReferrerURI is an absolute URI or the empty value, which stands for direct
// traffic (no referrer, or one that could not be classified as external).
type ReferrerURI struct {
	URI
}

// ParseReferrerURI parses a referrer URI. An empty input yields a valid
// "direct" referrer; a malformed or relative input is an error.
func ParseReferrerURI(rawURI string) (ReferrerURI, error) {
	if rawURI == "" {
		return ReferrerURI{}, nil
	}
	u, err := ParseURI(rawURI)
	if err != nil {
		return ReferrerURI{}, err
	}
	return ReferrerURI{u}, nil
}

// HostOrDirect returns the referrer host or "direct" when empty.
func (ru ReferrerURI) HostOrDirect() string {
	if !ru.IsValid() {
		return "direct"
	}
	return ru.Host()
}
