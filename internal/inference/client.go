// Package inference wraps the generative image backend's HTTP API. The
// backend renders wrap textures from a prompt, a UV mask conditioning image
// and optional reference images, always in its fixed camera-relative
// orientation; orientation correction happens downstream at the storage layer.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Options controls how the inference client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to a Gemini-style generateContent endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
	apiKey     string
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := opts.Model
	if model == "" {
		model = "gemini-2.0-flash-exp"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		model:      model,
		apiKey:     strings.TrimSpace(opts.APIKey),
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// TextureRequest carries everything the backend needs for one texture.
type TextureRequest struct {
	Prompt      string
	ModelName   string
	AspectRatio string
	MaskPNG     []byte
	References  [][]byte
}

// TextureResult is the decoded image returned by the backend.
type TextureResult struct {
	Data     []byte
	MIMEType string
}

type generateContentRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// GenerateTexture renders one wrap texture. The mask is passed as a
// conditioning input describing the paintable UV region.
func (c *Client) GenerateTexture(ctx context.Context, req TextureRequest) (*TextureResult, error) {
	if c == nil {
		return nil, errors.New("inference client not configured")
	}
	if c.apiKey == "" {
		return nil, errors.New("inference: API key is missing")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("inference: prompt is required")
	}

	parts := []part{{Text: buildTexturePrompt(req)}}
	if len(req.MaskPNG) > 0 {
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(req.MaskPNG),
		}})
	}
	for _, ref := range req.References {
		if len(ref) == 0 {
			continue
		}
		parts = append(parts, part{InlineData: &inlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(ref),
		}})
	}

	payload := generateContentRequest{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{ResponseModalities: []string{"IMAGE"}},
	}

	var resp generateContentResponse
	if err := c.post(ctx, payload, &resp); err != nil {
		return nil, err
	}
	if resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("inference: prompt blocked: %s", resp.PromptFeedback.BlockReason)
	}
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("inference: decode image payload: %w", err)
			}
			mime := p.InlineData.MimeType
			if mime == "" {
				mime = "image/png"
			}
			return &TextureResult{Data: data, MIMEType: mime}, nil
		}
	}
	return nil, errors.New("inference: response contained no image")
}

func buildTexturePrompt(req TextureRequest) string {
	var b strings.Builder
	b.WriteString("Design a seamless vehicle wrap texture for the ")
	if req.ModelName != "" {
		b.WriteString(req.ModelName)
	} else {
		b.WriteString("vehicle")
	}
	b.WriteString(". Paint only inside the light region of the attached UV mask. ")
	if req.AspectRatio != "" {
		fmt.Fprintf(&b, "Output aspect ratio %s. ", req.AspectRatio)
	}
	b.WriteString("Theme: ")
	b.WriteString(strings.TrimSpace(req.Prompt))
	return b.String()
}

func (c *Client) post(ctx context.Context, payload any, out *generateContentResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("inference: read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("inference: decode response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		return fmt.Errorf("inference: backend error %d: %s", out.Error.Code, out.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("inference: unexpected status %d", resp.StatusCode)
	}
	return nil
}
