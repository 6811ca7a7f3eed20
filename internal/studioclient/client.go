// Package studioclient calls a studio server's generation endpoint.
package studioclient

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

	"github.com/rcourtman/memorial-studio/internal/batch"
)

const (
	defaultTimeout    = 3 * time.Minute
	maxResponseBytes  = 64 * 1024 * 1024
	generateEndpoint  = "/api/generate"
	fallbackErrorText = "Failed"
)

// Client implements batch.Generator against POST /api/generate.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the server at baseURL authenticating with a
// session bearer token.
func New(baseURL, token string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("server URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: baseURL, token: strings.TrimSpace(token), http: httpClient}, nil
}

type generateRequest struct {
	ImageBase64 string `json:"imageBase64"`
	MimeType    string `json:"mimeType"`
	GenType     string `json:"genType"`
	ExtraPrompt string `json:"extraPrompt,omitempty"`
}

type generateResponse struct {
	Success       bool   `json:"success"`
	ImageBase64   string `json:"imageBase64"`
	ImageMimeType string `json:"imageMimeType"`
	ResultURL     string `json:"resultUrl"`
	Error         string `json:"error"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Generate implements batch.Generator.
func (c *Client) Generate(ctx context.Context, in batch.Input) (*batch.Output, error) {
	body, err := json.Marshal(generateRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(in.Image),
		MimeType:    in.MimeType,
		GenType:     string(in.Operation),
		ExtraPrompt: in.ExtraPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generateEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", generateEndpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("server returned %d", resp.StatusCode)}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !out.Success || out.ImageBase64 == "" {
		msg := strings.TrimSpace(out.Error)
		if msg == "" {
			msg = fallbackErrorText
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	image, err := base64.StdEncoding.DecodeString(out.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("decode result image: %w", err)
	}
	mimeType := out.ImageMimeType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return &batch.Output{Image: image, MimeType: mimeType, ResultURL: out.ResultURL}, nil
}
