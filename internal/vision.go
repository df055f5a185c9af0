package internal

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// _aiDeadline bounds AI provider calls; vision models are slow.
const _aiDeadline = 30 * time.Second

// VisionClient talks to an OpenAI-compatible chat-completions endpoint
// with image inputs. It backs both the shelf scanner and the CSV parser.
type VisionClient struct {
	baseURL string
	model   string
	client  *http.Client
	secrets SecretSource
}

// NewVisionClient builds a client for the given endpoint and model.
func NewVisionClient(baseURL, model string, secrets SecretSource) *VisionClient {
	return &VisionClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
		secrets: secrets,
	}
}

// DetectedBook is one spine or cover the model read off a shelf photo.
type DetectedBook struct {
	Title      string  `json:"title"`
	Author     string  `json:"author,omitempty"`
	ISBN       string  `json:"isbn,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ScanResult is the outcome of one image scan.
type ScanResult struct {
	Books      []DetectedBook `json:"books"`
	Model      string         `json:"model"`
	TokensUsed int            `json:"tokensUsed"`
}

// ParsedBook is one row the model extracted from CSV text.
type ParsedBook struct {
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
}

// Chat-completions wire format.
type ccRequest struct {
	Model          string      `json:"model"`
	Messages       []ccMessage `json:"messages"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	ResponseFormat *ccFormat   `json:"response_format,omitempty"`
}

type ccFormat struct {
	Type string `json:"type"`
}

type ccMessage struct {
	Role    string   `json:"role"`
	Content []ccPart `json:"content"`
}

type ccPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *ccImageURL `json:"image_url,omitempty"`
}

type ccImageURL struct {
	URL string `json:"url"`
}

type ccResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

const _scanPrompt = `Identify every book visible in this photo of a bookshelf.
Respond with JSON: {"books":[{"title":"...","author":"...","isbn":"...","confidence":0.0}]}.
Omit isbn when it is not printed. Confidence is your certainty in [0,1].`

const _csvPrompt = `The following text is a CSV export of a personal book collection.
Column names vary between exports. Respond with JSON:
{"books":[{"title":"...","author":"...","isbn":"..."}]}.
Skip header rows and rows without a recognizable title.`

// ScanImage identifies books in a shelf photo.
func (v *VisionClient) ScanImage(ctx context.Context, image []byte, contentType string) (*ScanResult, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	dataURL := "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image)

	req := ccRequest{
		Model: v.model,
		Messages: []ccMessage{{
			Role: "user",
			Content: []ccPart{
				{Type: "text", Text: _scanPrompt},
				{Type: "image_url", ImageURL: &ccImageURL{URL: dataURL}},
			},
		}},
		MaxTokens:      4096,
		ResponseFormat: &ccFormat{Type: "json_object"},
	}

	resp, err := v.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Books []DetectedBook `json:"books"`
	}
	if err := sonic.Unmarshal([]byte(resp.content()), &parsed); err != nil {
		return nil, upstreamErr(ProviderVision, kindInvalidResponse, fmt.Errorf("decoding scan: %w", err))
	}
	return &ScanResult{
		Books:      parsed.Books,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// ParseCSV turns messy CSV text into normalized book records.
func (v *VisionClient) ParseCSV(ctx context.Context, text string) ([]ParsedBook, error) {
	req := ccRequest{
		Model: v.model,
		Messages: []ccMessage{{
			Role: "user",
			Content: []ccPart{
				{Type: "text", Text: _csvPrompt + "\n\n" + text},
			},
		}},
		MaxTokens:      8192,
		ResponseFormat: &ccFormat{Type: "json_object"},
	}

	resp, err := v.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Books []ParsedBook `json:"books"`
	}
	if err := sonic.Unmarshal([]byte(resp.content()), &parsed); err != nil {
		return nil, upstreamErr(ProviderVision, kindInvalidResponse, fmt.Errorf("decoding rows: %w", err))
	}
	return parsed.Books, nil
}

func (r *ccResponse) content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

func (v *VisionClient) complete(ctx context.Context, req ccRequest) (*ccResponse, error) {
	key := v.secrets.Secret("AI_API_KEY")
	if key == "" {
		return nil, upstreamErr(ProviderVision, kindAuthMissing, errors.New("AI_API_KEY is not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, _aiDeadline)
	defer cancel()

	blob, err := sonic.Marshal(req)
	if err != nil {
		return nil, upstreamErr(ProviderVision, kindTransport, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/chat/completions", bytes.NewReader(blob))
	if err != nil {
		return nil, upstreamErr(ProviderVision, kindTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	httpResp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, transportErr(ProviderVision, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if err := classifyHTTP(ProviderVision, httpResp.StatusCode, parseRetryAfter(httpResp)); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportErr(ProviderVision, err)
	}
	resp := &ccResponse{}
	if err := sonic.Unmarshal(body, resp); err != nil {
		return nil, upstreamErr(ProviderVision, kindInvalidResponse, fmt.Errorf("decoding completion: %w", err))
	}
	if resp.content() == "" {
		return nil, upstreamErr(ProviderVision, kindInvalidResponse, errors.New("empty completion"))
	}
	return resp, nil
}
