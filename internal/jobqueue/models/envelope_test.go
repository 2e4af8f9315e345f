package models

import (
	"encoding/json"
	"testing"
)

func TestParametersRoundTripPreservesExtra(t *testing.T) {
	original := Parameters{
		TargetLanguage: "fr",
		UseCache:       true,
		Extra: map[string]interface{}{
			"file_source":       "AAAA",
			"include_images":    true,
			"extraction_method": "native",
			"nested": map[string]interface{}{
				"depth": float64(2),
			},
		},
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var roundTripped Parameters
	if err := json.Unmarshal(raw, &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if roundTripped.TargetLanguage != "fr" {
		t.Errorf("expected target_language 'fr', got %q", roundTripped.TargetLanguage)
	}
	if v, ok := roundTripped.GetExtraString("file_source"); !ok || v != "AAAA" {
		t.Errorf("expected extra.file_source 'AAAA', got %q (ok=%v)", v, ok)
	}
	if v, ok := roundTripped.GetExtraBool("include_images"); !ok || !v {
		t.Errorf("expected extra.include_images true, got %v (ok=%v)", v, ok)
	}
	nested, ok := roundTripped.GetExtraMap("nested")
	if !ok {
		t.Fatal("expected extra.nested to decode as a map")
	}
	if nested["depth"] != float64(2) {
		t.Errorf("expected nested.depth 2, got %v", nested["depth"])
	}
}

func TestParametersCloneIsIndependent(t *testing.T) {
	original := Parameters{Extra: map[string]interface{}{"key": "value"}}
	clone := original.Clone()
	clone.Extra["key"] = "mutated"

	if original.Extra["key"] != "value" {
		t.Errorf("mutating the clone's Extra must not affect the original, got %v", original.Extra["key"])
	}
}

func TestJobResultsRoundTrip(t *testing.T) {
	original := JobResults{
		MarkdownContent: "# Title\n\nBody",
		Chapters:        []string{"# One", "# Two"},
		Assets:          []Asset{{Type: "pdf", Path: "/tmp/a.pdf", Name: "a.pdf"}},
	}

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTripped JobResults
	if err := json.Unmarshal(raw, &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(roundTripped.Chapters) != 2 || roundTripped.Chapters[0] != "# One" {
		t.Errorf("chapters did not round-trip, got %+v", roundTripped.Chapters)
	}
	if len(roundTripped.Assets) != 1 || roundTripped.Assets[0].Path != "/tmp/a.pdf" {
		t.Errorf("assets did not round-trip, got %+v", roundTripped.Assets)
	}
}
