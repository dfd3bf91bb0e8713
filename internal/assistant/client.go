// Package assistant calls the Gemini generateContent API to produce
// English-learning chat replies.
package assistant

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
)

// systemPrompt instructs the model to answer with exactly three numbered
// English phrases, each with a Japanese translation in parentheses.
const systemPrompt = `あなたは英語学習アプリのアシスタントです。ユーザーは日本語で話したい内容を伝えます。
その内容を英語でどう言うか、自然な英語フレーズを必ず3つ提案してください。

出力形式は必ず次に従ってください:
1. "<英語フレーズ>" (<日本語訳>)
2. "<英語フレーズ>" (<日本語訳>)
3. "<英語フレーズ>" (<日本語訳>)

他の説明は書かないでください。`

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is a minimal Gemini generateContent client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// New creates a client. baseURL defaults to the public Gemini endpoint when
// empty so tests can point it at a local server.
func New(baseURL, apiKey, model string) *Client {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}
}

// Model returns the configured model name, recorded on assistant messages.
func (c *Client) Model() string {
	return c.model
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the conversation to the model and returns the reply text.
// The latest user turn is what the model responds to; prior turns are
// prepended as plain transcript for context.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.apiKey == "" {
		return "", errors.New("assistant not configured")
	}

	var latest string
	var transcript strings.Builder
	for _, m := range messages {
		if m.Role == "user" {
			latest = m.Content
		}
		switch m.Role {
		case "user":
			transcript.WriteString("ユーザー: " + m.Content + "\n")
		case "assistant":
			transcript.WriteString("アシスタント: " + m.Content + "\n")
		}
	}
	if latest == "" {
		return "", errors.New("no user message")
	}

	reqBody := generateRequest{
		Contents: []content{
			{Parts: []part{{Text: systemPrompt + "\n\n" + transcript.String()}}},
		},
		GenerationConfig: generationConfig{
			Temperature:     0.7,
			MaxOutputTokens: 500,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model returned status %d", resp.StatusCode)
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model error: %s", parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("empty model response")
	}

	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
