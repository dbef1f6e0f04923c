package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"wrapserver/internal/domain"
)

// GenerateMetadata derives bilingual display metadata for a finished wrap via
// a secondary text call. Callers treat failures as non-fatal and fall back to
// a prompt-derived name.
func (c *Client) GenerateMetadata(ctx context.Context, prompt, modelName string) (*domain.WrapMetadata, error) {
	if c == nil {
		return nil, errors.New("inference client not configured")
	}
	if c.apiKey == "" {
		return nil, errors.New("inference: API key is missing")
	}

	instruction := fmt.Sprintf(
		"A user generated a vehicle wrap for the %s from this prompt: %q. "+
			"Reply with JSON only: {\"name\": short Chinese title, \"name_en\": short English title, "+
			"\"description_en\": one English sentence}.",
		modelName, strings.TrimSpace(prompt))

	payload := generateContentRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: instruction}}}},
		GenerationConfig: &generationConfig{ResponseMimeType: "application/json"},
	}

	var resp generateContentResponse
	if err := c.post(ctx, payload, &resp); err != nil {
		return nil, err
	}
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			text := strings.TrimSpace(p.Text)
			if text == "" {
				continue
			}
			text = strings.TrimPrefix(text, "```json")
			text = strings.Trim(text, "` \n")
			var meta domain.WrapMetadata
			if err := json.Unmarshal([]byte(text), &meta); err != nil {
				return nil, fmt.Errorf("inference: decode metadata: %w", err)
			}
			if meta.Name == "" && meta.NameEN == "" {
				return nil, errors.New("inference: empty metadata")
			}
			return &meta, nil
		}
	}
	return nil, errors.New("inference: response contained no metadata")
}
