// Package translate resolves final transcripts into per-language translations.
// It holds the shared translation cache, the concurrent fan-out, and the HTTP
// client for the translation provider.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Translator converts text between languages.
type Translator interface {
	// Translate converts a single text segment to the target language.
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// HTTPTranslator calls a translation provider over HTTP.
type HTTPTranslator struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPTranslator creates a translator client for the given provider endpoint.
func NewHTTPTranslator(url, apiKey string) *HTTPTranslator {
	return &HTTPTranslator{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type translateRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"sourceLang"`
	TargetLang string `json:"targetLang"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error,omitempty"`
}

// Translate sends one translation request. Cancellation and deadline come from ctx.
func (t *HTTPTranslator) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	body, err := json.Marshal(translateRequest{
		Text:       text,
		SourceLang: sourceLang,
		TargetLang: targetLang,
	})
	if err != nil {
		return "", fmt.Errorf("marshal translate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build translate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read translate response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translate provider status %d: %s", resp.StatusCode, string(data))
	}

	var out translateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode translate response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("translate provider error: %s", out.Error)
	}
	if out.TranslatedText == "" {
		return "", fmt.Errorf("translate provider returned empty text")
	}
	return out.TranslatedText, nil
}
