package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is one inference call.
type Request struct {
	Prompt      string
	Image       []byte // PNG
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Backend is the inference engine behind the runtime.
type Backend interface {
	// Ping succeeds once the engine is reachable and serving the configured model.
	Ping(ctx context.Context) error
	Complete(ctx context.Context, req Request) (string, error)
}

// Client talks to an OpenAI-compatible chat-completions server (vLLM, llama.cpp,
// TGI and similar all expose this surface for vision models).
type Client struct {
	BaseURL string
	ModelID string
	Token   string // bearer token
	client  *http.Client
}

// NewClient creates a client. baseURL may include a trailing slash; it will be normalized.
func NewClient(baseURL, modelID, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		ModelID: modelID,
		Token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, dest any) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server %s %s: %s: %s", method, u.Path, resp.Status, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Ping lists served models and checks that ModelID is among them.
func (c *Client) Ping(ctx context.Context) error {
	var list modelList
	if err := c.doJSON(ctx, http.MethodGet, "/v1/models", nil, &list); err != nil {
		return err
	}
	if c.ModelID == "" {
		return nil
	}
	var served []string
	for _, m := range list.Data {
		if m.ID == c.ModelID {
			return nil
		}
		served = append(served, m.ID)
	}
	return fmt.Errorf("model %q not served (available: %s)", c.ModelID, strings.Join(served, ", "))
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends the prompt and image as one user message and returns the reply text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	parts := []contentPart{{Type: "text", Text: req.Prompt}}
	if len(req.Image) > 0 {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Image)},
		})
	}

	body := chatRequest{
		Model:       c.ModelID,
		Messages:    []chatMessage{{Role: "user", Content: parts}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	var resp chatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
