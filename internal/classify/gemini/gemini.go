// Package gemini implements page classification with Google's Gemini API.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// maxPromptChars bounds how much page text is sent per request. Local
// business pages rarely need more than the first few thousand characters
// to classify.
const maxPromptChars = 6000

// Config holds the Gemini connection settings.
type Config struct {
	APIKey string
	Model  string
}

// Classifier labels text by asking a Gemini model for a structured verdict.
type Classifier struct {
	client *genai.Client
	model  string
	labels []string
}

// New creates a Gemini-backed classifier restricted to the given labels.
func New(ctx context.Context, cfg Config, labels []string) (*Classifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Classifier{client: client, model: model, labels: labels}, nil
}

// Classify sends the text to the model and parses its JSON verdict.
func (c *Classifier) Classify(ctx context.Context, text string) (string, float64, error) {
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(0.1)

	resp, err := model.GenerateContent(ctx, genai.Text(buildPrompt(text, c.labels)))
	if err != nil {
		return "", 0, fmt.Errorf("gemini: generate content: %w", err)
	}

	raw, err := extractText(resp)
	if err != nil {
		return "", 0, err
	}
	return parseVerdict(raw, c.labels)
}

// Close releases the underlying API client.
func (c *Classifier) Close() error {
	return c.client.Close()
}

func buildPrompt(text string, labels []string) string {
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}
	var b strings.Builder
	b.WriteString("You classify web page text from local business websites.\n")
	b.WriteString("Pick the single best category from this list: ")
	b.WriteString(strings.Join(labels, ", "))
	b.WriteString(".\nIf none fits, use \"unknown\".\n")
	b.WriteString("Respond with ONLY a JSON object, no markdown:\n")
	b.WriteString(`{"category": "<label>", "confidence": <0.0 to 1.0>}`)
	b.WriteString("\n\nPage text:\n")
	b.WriteString(text)
	return b.String()
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("gemini: no text parts in response")
	}
	return b.String(), nil
}

// verdict is the JSON shape the prompt instructs the model to emit.
type verdict struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

func parseVerdict(raw string, labels []string) (string, float64, error) {
	cleaned := stripCodeFence(raw)

	var v verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return "", 0, fmt.Errorf("gemini: parse verdict %q: %w", cleaned, err)
	}

	label := strings.ToLower(strings.TrimSpace(v.Category))
	known := label == "unknown"
	for _, l := range labels {
		if label == l {
			known = true
			break
		}
	}
	if !known {
		return "unknown", 0, nil
	}

	confidence := v.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return label, confidence, nil
}

// stripCodeFence removes markdown code fences the model sometimes wraps
// around JSON despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
