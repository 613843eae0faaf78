package event

import (
	"net/url"
	"testing"
)

func TestExtractUTMParams(t *testing.T) {
	t.Parallel()

	query, _ := url.ParseQuery("utm_source=github&utm_medium=social&utm_campaign=launch&utm_term=go&utm_content=readme")
	params := ExtractUTMParams(query)

	want := UTMParams{Source: "github", Medium: "social", Campaign: "launch", Term: "go", Content: "readme"}
	if params != want {
		t.Fatalf("unexpected params: got=%+v want=%+v", params, want)
	}
}

func TestExtractUTMParamsRefFallback(t *testing.T) {
	t.Parallel()

	query, _ := url.ParseQuery("ref=producthunt")
	if got := ExtractUTMParams(query).Source; got != "producthunt" {
		t.Fatalf("ref fallback failed: got=%q want=%q", got, "producthunt")
	}

	// An explicit utm_source wins over ref.
	query, _ = url.ParseQuery("ref=producthunt&utm_source=github")
	if got := ExtractUTMParams(query).Source; got != "github" {
		t.Fatalf("utm_source should win: got=%q want=%q", got, "github")
	}
}

func TestValidateCustomEventName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"click", "sign-up", "page_exit", "Event9"} {
		if err := ValidateCustomEventName(name); err != nil {
			t.Fatalf("expected %q to be valid: %v", name, err)
		}
	}
	for _, name := range []string{"", "foo bar", "foo/bar", "foo.bar", "événement"} {
		if err := ValidateCustomEventName(name); err == nil {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}
