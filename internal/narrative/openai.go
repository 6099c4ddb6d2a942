package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/cerberus/internal/threat"
)

const (
	defaultBaseURL     = "https://api.openai.com"
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.2
	defaultMaxTokens   = 220
	requestTimeout     = 20 * time.Second

	systemPrompt = "You are a security analyst generating concise threat narratives."
)

// OpenAI asks a chat-completions endpoint for the narrative and falls back
// to Template on any failure.
type OpenAI struct {
	config   Config
	client   *http.Client
	fallback Template
	logger   *zap.Logger
}

// NewOpenAI creates the LLM-backed generator. Zero config values take the
// defaults: gpt-4o-mini, temperature 0.2, 220 tokens.
func NewOpenAI(cfg Config, logger *zap.Logger) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAI{
		config: cfg,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate implements Generator.
func (g *OpenAI) Generate(ctx context.Context, a threat.ScoredAnalysis) string {
	text, err := g.complete(ctx, a)
	if err != nil {
		g.logger.Debug("Narrative completion failed, using template",
			zap.String("ip", a.Report.IPAddress),
			zap.Error(err),
		)
		return g.fallback.Generate(ctx, a)
	}
	return text
}

func (g *OpenAI) complete(ctx context.Context, a threat.ScoredAnalysis) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: g.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(a)},
		},
		Temperature: g.config.Temperature,
		MaxTokens:   g.config.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(g.config.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.config.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("completion returned status %d: %s", resp.StatusCode, msg)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("completion has no choices")
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("completion is empty")
	}
	return text, nil
}

func userPrompt(a threat.ScoredAnalysis) string {
	r := a.Report
	categories := joinCategories(r.ThreatCategories)
	if categories == "" {
		categories = "none"
	}
	return fmt.Sprintf(
		"Summarize the threat for IP %s. Risk: %s (%d/100). Categories: %s. "+
			"Malicious vendors: %d. Abuse confidence: %g%%. Country: %s. ASN: %s. "+
			"Give a short paragraph and 2-3 recommended actions.",
		r.IPAddress, a.RiskLevel, a.ThreatScore, categories,
		r.MaliciousSources, r.AbuseConfidence, r.Country, r.ASNName,
	)
}
