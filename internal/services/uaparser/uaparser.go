package uaparser

import (
	"regexp"
	"strings"

	"github.com/openpulse/pulse/internal/platform/logger"
)

// Client is the classification of a User-Agent string.
type Client struct {
	OperatingSystem string `json:"OperatingSystem"`
	BrowserFamily   string `json:"BrowserFamily"`
	Device          string `json:"Device"`
	IsBot           bool   `json:"-"`
}

// Service classifies User-Agent strings. Implementations must be pure and
// safe for concurrent use.
type Service interface {
	ParseUserAgent(userAgent string) Client
}

// See https://github.com/ua-parser/uap-core/blob/master/regexes.yaml
var isBotRegex = regexp.MustCompile(`(?i)(bot|spider|crawl|headless|slurp|curl/|wget/)`)

type browserRule struct {
	token  string
	family string
}

// Ordered: first match wins. Chrome must come after Edge/Opera since both
// embed "Chrome/" in their UA.
var browserRules = []browserRule{
	{"Edg/", "Edge"},
	{"OPR/", "Opera"},
	{"Firefox/", "Firefox"},
	{"Chrome/", "Chrome"},
	{"Safari/", "Safari"},
}

type service struct {
	log *logger.Logger
}

// NewService returns the built-in signature table parser.
func NewService(log *logger.Logger) Service {
	return service{log: log.With("service", "uaparser")}
}

// ParseUserAgent implements Service.
func (s service) ParseUserAgent(userAgent string) Client {
	client := Client{
		OperatingSystem: "Other",
		BrowserFamily:   "Other",
		Device:          "Other",
	}

	if userAgent == "" || isBotRegex.MatchString(userAgent) {
		client.IsBot = true
		return client
	}

	for _, rule := range browserRules {
		if strings.Contains(userAgent, rule.token) {
			client.BrowserFamily = rule.family
			break
		}
	}

	switch {
	case strings.Contains(userAgent, "Windows"):
		client.OperatingSystem = "Windows"
	case strings.Contains(userAgent, "Android"):
		client.OperatingSystem = "Android"
	case strings.Contains(userAgent, "iPhone"), strings.Contains(userAgent, "iPad"):
		client.OperatingSystem = "iOS"
	case strings.Contains(userAgent, "Mac OS X"):
		client.OperatingSystem = "macOS"
	case strings.Contains(userAgent, "Linux"):
		client.OperatingSystem = "Linux"
	}

	switch {
	case strings.Contains(userAgent, "Mobile"), strings.Contains(userAgent, "iPhone"):
		client.Device = "Mobile"
	case strings.Contains(userAgent, "Tablet"), strings.Contains(userAgent, "iPad"):
		client.Device = "Tablet"
	case client.OperatingSystem != "Other":
		client.Device = "Desktop"
	}

	return client
}

var clientHintsPlatforms = map[string]string{
	`"Android"`:     "Android",
	`"Chrome OS"`:   "Chrome OS",
	`"Chromium OS"`: "Chrome OS",
	`"Linux"`:       "Linux",
	`"Windows"`:     "Windows",
	`"iOS"`:         "iOS",
	`"macOS"`:       "macOS",
}

// ApplyClientHints refines a classification with Sec-Ch-Ua-* header values.
func ApplyClientHints(client *Client, model, platform string) {
	if model != "" {
		client.Device = strings.Trim(model, `"`)
	}
	if platform != "" {
		if os, ok := clientHintsPlatforms[platform]; ok {
			client.OperatingSystem = os
		}
	}
}
