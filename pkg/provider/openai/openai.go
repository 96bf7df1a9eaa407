// package openai adapts OpenAI-compatible chat completion endpoints
// to the uniform streaming contract.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/Xuzeipan/ai-chat/pkg/chat"
	"github.com/Xuzeipan/ai-chat/pkg/provider"
	"github.com/Xuzeipan/ai-chat/pkg/sse"
)

const defaultBaseURL = "https://api.openai.com"

// doneMarker ends an OpenAI completion stream.
const doneMarker = "[DONE]"

type Provider struct {
	name   string
	creds  provider.Credentials
	client *http.Client
}

func New(name string, creds provider.Credentials) *Provider {
	if creds.BaseURL == "" {
		creds.BaseURL = defaultBaseURL
	}
	return &Provider{
		name:   name,
		creds:  creds,
		client: &http.Client{},
	}
}

func (p *Provider) Name() string {
	return p.name
}

type requestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type requestBody struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

func (p *Provider) SendStreaming(ctx context.Context, msgs []chat.Message, model string) (*provider.Stream, error) {
	body := requestBody{
		Model:         model,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	for _, m := range msgs {
		body.Messages = append(body.Messages, requestMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	u, err := url.JoinPath(p.creds.BaseURL, "v1", "chat", "completions")
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, bytes.NewReader(encoded))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		return nil, &provider.UpstreamRejected{Err: err}
	}
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, &provider.UpstreamRejected{Status: resp.StatusCode, Body: string(data)}
	}
	return &provider.Stream{Body: resp.Body, Cancel: cancel}, nil
}

type chunkUsage struct {
	CompletionTokens int `json:"completion_tokens"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chunkUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) ParseRecord(ev *sse.Event) (*chat.StreamEvent, error) {
	if ev.Data == doneMarker {
		return &chat.StreamEvent{Done: true}, nil
	}
	var chunk completionChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, err
	}
	if chunk.Error != nil {
		return &chat.StreamEvent{Err: errors.New(chunk.Error.Message)}, nil
	}
	// The usage record comes last, after the content chunks, with an
	// empty choices list. Treat it as the terminal record so the
	// token count survives; the trailing [DONE] is then redundant.
	if len(chunk.Choices) == 0 {
		if chunk.Usage != nil {
			return &chat.StreamEvent{Done: true, TokenCount: chunk.Usage.CompletionTokens}, nil
		}
		return nil, nil
	}
	if text := chunk.Choices[0].Delta.Content; text != "" {
		return &chat.StreamEvent{Delta: text}, nil
	}
	return nil, nil
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (p *Provider) ListModels(ctx context.Context) ([]provider.Model, error) {
	u, err := url.JoinPath(p.creds.BaseURL, "v1", "models")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.creds.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return nil, &provider.UpstreamRejected{Status: resp.StatusCode, Body: string(data)}
	}

	var parsed modelList
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	models := make([]provider.Model, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, provider.Model{ID: m.ID})
	}
	return models, nil
}
