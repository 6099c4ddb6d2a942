// Package collector queries threat intelligence sources for an IP in
// parallel and assembles their answers into a threat.Bundle.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrMissingAPIKey is returned by sources that need a key but have none.
var ErrMissingAPIKey = errors.New("api key missing")

const userAgent = "Cerberus/1.0"

// Source fetches raw intelligence about one IP.
type Source interface {
	Name() string
	Fetch(ctx context.Context, ip string) (map[string]any, error)
}

// StatusError is a non-success HTTP response from a source.
type StatusError struct {
	Source string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Source, e.Code)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Source, e.Code, e.Body)
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// SourceConfig holds the settings common to HTTP sources.
type SourceConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func (c SourceConfig) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// doJSON executes req and decodes a 200 response into out.
func doJSON(client *http.Client, source string, req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Source: source, Code: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", source, err)
	}
	return nil
}

// doJSONRaw is doJSON that also returns the undecoded body as a generic map
// for the stored audit trail.
func doJSONRaw(client *http.Client, source string, req *http.Request, out any) (map[string]any, error) {
	var body json.RawMessage
	if err := doJSON(client, source, req, &body); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", source, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", source, err)
	}
	return raw, nil
}

// isNotFound reports whether err is a 404 from a source.
func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
