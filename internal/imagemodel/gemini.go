// Package imagemodel talks to the external generative image model.
package imagemodel

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

	apperrors "github.com/rcourtman/memorial-studio/internal/errors"
	"github.com/rcourtman/memorial-studio/pkg/plans"
	"github.com/rs/zerolog/log"
)

const (
	geminiAPIURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultModel is the image-capable Gemini model.
	DefaultModel = "gemini-2.5-flash-image"
	// DefaultInputMimeType is assumed when the caller does not name one.
	DefaultInputMimeType = "image/jpeg"
	// DefaultOutputMimeType is assumed when the model omits one.
	DefaultOutputMimeType = "image/png"

	maxOutputTokens  = 8192
	maxErrorBodySize = 64 * 1024
)

// Request is one image transformation.
type Request struct {
	Image             []byte
	MimeType          string
	Operation         plans.Operation
	ExtraInstructions string
}

// Result is the transformed image.
type Result struct {
	Image    []byte
	MimeType string
	Text     string // any text parts the model emitted alongside the image
}

// Generator produces an image for a request. Implementations must not retry;
// each call is at most one model invocation.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// GeminiClient implements Generator against Google's Gemini generateContent API.
type GeminiClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewGeminiClient creates a new Gemini API client.
// timeout is optional - pass 0 to use the default 2 minute timeout.
func NewGeminiClient(apiKey, model, baseURL string, timeout time.Duration) *GeminiClient {
	if baseURL == "" {
		baseURL = geminiAPIURL
	}
	model = strings.TrimPrefix(strings.TrimSpace(model), "gemini:")
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.model
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	MaxOutputTokens    int      `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate sends the image and operation instructions to Gemini and returns
// the first inline image part of the first candidate.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Result, error) {
	prompt, err := BuildPrompt(req.Operation, req.ExtraInstructions)
	if err != nil {
		return nil, err
	}
	if len(req.Image) == 0 {
		return nil, fmt.Errorf("image is empty")
	}
	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" {
		mimeType = DefaultInputMimeType
	}

	geminiReq := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{InlineData: &geminiInlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(req.Image)}},
				{Text: prompt},
			},
		}},
		SystemInstruction: &geminiContent{
			Parts: []geminiPart{{Text: SystemInstruction}},
		},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			MaxOutputTokens:    maxOutputTokens,
		},
	}

	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Keep the API key out of the URL; transport errors quote it.
	generateContentURL := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)

	log.Debug().
		Str("model", c.model).
		Str("operation", string(req.Operation)).
		Int("image_bytes", len(req.Image)).
		Msg("Gemini generate request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, generateContentURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		var urlErr interface{ Timeout() bool }
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return nil, fmt.Errorf("request timed out: %w", err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		var errResp geminiError
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if geminiResp.PromptFeedback != nil && geminiResp.PromptFeedback.BlockReason != "" {
		log.Warn().
			Str("block_reason", geminiResp.PromptFeedback.BlockReason).
			Msg("Gemini blocked the prompt")
		return nil, fmt.Errorf("%w: prompt blocked: %s", apperrors.ErrModelNoOutput, geminiResp.PromptFeedback.BlockReason)
	}

	if len(geminiResp.Candidates) == 0 {
		log.Warn().Msg("Gemini returned no candidates")
		return nil, fmt.Errorf("%w: no response candidates returned", apperrors.ErrModelNoOutput)
	}

	candidate := geminiResp.Candidates[0]
	result := &Result{}
	var text []string
	for _, part := range candidate.Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" && result.Image == nil {
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode image part: %w", err)
			}
			result.Image = data
			result.MimeType = part.InlineData.MimeType
			continue
		}
		if part.Text != "" {
			text = append(text, part.Text)
		}
	}
	result.Text = strings.Join(text, "\n")

	if result.Image == nil {
		if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "PROHIBITED_CONTENT" || candidate.FinishReason == "IMAGE_SAFETY" {
			log.Warn().Str("finish_reason", candidate.FinishReason).Msg("Gemini withheld image for safety")
		}
		return nil, fmt.Errorf("%w: finish reason %q", apperrors.ErrModelNoOutput, candidate.FinishReason)
	}
	if result.MimeType == "" {
		result.MimeType = DefaultOutputMimeType
	}
	return result, nil
}
