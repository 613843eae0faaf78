package event

import "net/url"

// UTMParams holds Urchin Tracking Module query parameters, captured once at
// session root and fixed for the lifetime of the chain.
type UTMParams struct {
	Source   string `json:"source"`
	Medium   string `json:"medium"`
	Campaign string `json:"campaign"`
	Term     string `json:"term"`
	Content  string `json:"content"`
}

// ExtractUTMParams reads UTM parameters from query args. A bare "ref"
// parameter maps to utm_source when utm_source is absent.
func ExtractUTMParams(query url.Values) UTMParams {
	if len(query) == 0 {
		return UTMParams{}
	}

	params := UTMParams{
		Source:   query.Get("utm_source"),
		Medium:   query.Get("utm_medium"),
		Campaign: query.Get("utm_campaign"),
		Term:     query.Get("utm_term"),
		Content:  query.Get("utm_content"),
	}
	if params.Source == "" {
		params.Source = query.Get("ref")
	}
	return params
}
