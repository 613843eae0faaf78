package uaparser

import (
	"testing"

	"go.uber.org/zap"

	"github.com/openpulse/pulse/internal/platform/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

const chromeWindowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestParseUserAgentBots(t *testing.T) {
	t.Parallel()

	parser := NewService(testLogger())

	bots := []string{
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
		"Mozilla/5.0 (compatible; bingbot/2.0)",
		"curl/8.4.0",
		"Mozilla/5.0 (X11; Linux x86_64) HeadlessChrome/120.0.0.0",
		"",
	}
	for _, ua := range bots {
		if client := parser.ParseUserAgent(ua); !client.IsBot {
			t.Fatalf("expected bot classification for %q", ua)
		}
	}

	if client := parser.ParseUserAgent(chromeWindowsUA); client.IsBot {
		t.Fatalf("regular browser classified as bot: %q", chromeWindowsUA)
	}
}

func TestParseUserAgentBrowsers(t *testing.T) {
	t.Parallel()

	parser := NewService(testLogger())

	tests := []struct {
		name        string
		userAgent   string
		wantBrowser string
		wantOS      string
		wantDevice  string
	}{
		{
			"chrome windows",
			chromeWindowsUA,
			"Chrome", "Windows", "Desktop",
		},
		{
			"firefox linux",
			"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			"Firefox", "Linux", "Desktop",
		},
		{
			"edge wins over chrome",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
			"Edge", "Windows", "Desktop",
		},
		{
			"safari iphone",
			"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			"Safari", "iOS", "Mobile",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := parser.ParseUserAgent(tt.userAgent)
			if client.BrowserFamily != tt.wantBrowser {
				t.Fatalf("unexpected browser: got=%q want=%q", client.BrowserFamily, tt.wantBrowser)
			}
			if client.OperatingSystem != tt.wantOS {
				t.Fatalf("unexpected os: got=%q want=%q", client.OperatingSystem, tt.wantOS)
			}
			if client.Device != tt.wantDevice {
				t.Fatalf("unexpected device: got=%q want=%q", client.Device, tt.wantDevice)
			}
		})
	}
}

func TestApplyClientHints(t *testing.T) {
	t.Parallel()

	client := Client{OperatingSystem: "Other", Device: "Other"}
	ApplyClientHints(&client, `"Pixel 8"`, `"Android"`)

	if client.Device != "Pixel 8" {
		t.Fatalf("unexpected device: got=%q want=%q", client.Device, "Pixel 8")
	}
	if client.OperatingSystem != "Android" {
		t.Fatalf("unexpected os: got=%q want=%q", client.OperatingSystem, "Android")
	}

	// Unknown platform hints leave the classification alone.
	ApplyClientHints(&client, "", `"BeOS"`)
	if client.OperatingSystem != "Android" {
		t.Fatalf("unknown hint overwrote os: got=%q", client.OperatingSystem)
	}
}
