package narrative

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lvonguyen/cerberus/internal/threat"
)

func sampleAnalysis() threat.ScoredAnalysis {
	return threat.ScoredAnalysis{
		Report: threat.Report{
			IPAddress:        "203.0.113.9",
			ThreatCategories: []threat.Category{threat.CategoryMalware, threat.CategoryC2},
			MaliciousSources: 1,
			AbuseConfidence:  90,
			Country:          "Russia",
			ASNName:          "AS64500 Example",
		},
		ThreatScore: 92,
		RiskLevel:   threat.RiskCritical,
	}
}

// =============================================================================
// Template Tests
// =============================================================================

// TestTemplate_Contents verifies the template mentions the key facts and
// three recommended actions.
func TestTemplate_Contents(t *testing.T) {
	text := Template{}.Generate(context.Background(), sampleAnalysis())

	for _, want := range []string{
		"203.0.113.9", "CRITICAL", "92/100", "malware, c2", "90%", "Russia", "AS64500 Example",
		"1) Block the IP", "2) Search SIEM", "3) Add monitoring",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("narrative missing %q:\n%s", want, text)
		}
	}
}

// TestTemplate_NoCategories verifies the placeholder for empty categories.
func TestTemplate_NoCategories(t *testing.T) {
	a := sampleAnalysis()
	a.Report.ThreatCategories = nil
	text := Template{}.Generate(context.Background(), a)
	if !strings.Contains(text, "no specific categories") {
		t.Errorf("expected placeholder, got:\n%s", text)
	}
}

// TestTemplate_FractionalConfidence verifies fractional confidence is not
// truncated in the text.
func TestTemplate_FractionalConfidence(t *testing.T) {
	a := sampleAnalysis()
	a.Report.AbuseConfidence = 87.5
	text := Template{}.Generate(context.Background(), a)
	if !strings.Contains(text, "abuse confidence of 87.5%") {
		t.Errorf("expected fractional confidence, got:\n%s", text)
	}
}

// TestTemplate_Deterministic verifies identical input yields identical text.
func TestTemplate_Deterministic(t *testing.T) {
	a := sampleAnalysis()
	var g Template
	if g.Generate(context.Background(), a) != g.Generate(context.Background(), a) {
		t.Error("template output should be deterministic")
	}
}

// TestNew_SelectsGenerator verifies OpenAI is only used with a key.
func TestNew_SelectsGenerator(t *testing.T) {
	if _, ok := New(Config{}, nil).(Template); !ok {
		t.Error("expected Template without an API key")
	}
	if _, ok := New(Config{APIKey: "k"}, nil).(*OpenAI); !ok {
		t.Error("expected OpenAI with an API key")
	}
}

// =============================================================================
// OpenAI Tests
// =============================================================================

// TestOpenAI_Generate verifies the request shape and returned text.
func TestOpenAI_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Error("missing bearer token")
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad body: %v", err)
			return
		}
		if req.Model != "gpt-4o-mini" || req.Temperature != 0.2 || req.MaxTokens != 220 {
			t.Errorf("unexpected parameters: %+v", req)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if !strings.Contains(req.Messages[1].Content, "203.0.113.9") {
			t.Error("user prompt should name the IP")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "  LLM summary  "}}},
		})
	}))
	defer server.Close()

	g := NewOpenAI(Config{APIKey: "secret", BaseURL: server.URL}, nil)
	if got := g.Generate(context.Background(), sampleAnalysis()); got != "LLM summary" {
		t.Errorf("unexpected narrative: %q", got)
	}
}

// TestOpenAI_FallsBackToTemplate verifies failures yield the template text.
func TestOpenAI_FallsBackToTemplate(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"no choices", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices": []}`))
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
	}

	want := Template{}.Generate(context.Background(), sampleAnalysis())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			g := NewOpenAI(Config{APIKey: "secret", BaseURL: server.URL}, nil)
			if got := g.Generate(context.Background(), sampleAnalysis()); got != want {
				t.Errorf("expected template fallback, got %q", got)
			}
		})
	}
}
