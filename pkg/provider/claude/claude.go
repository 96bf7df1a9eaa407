// package claude adapts the Anthropic messages endpoint to the
// uniform streaming contract.
package claude

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

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type eventType string

const (
	eventTypePing              eventType = "ping"
	eventTypeError             eventType = "error"
	eventTypeMessageDelta      eventType = "message_delta"
	eventTypeMessageStop       eventType = "message_stop"
	eventTypeContentBlockStart eventType = "content_block_start"
	eventTypeContentBlockDelta eventType = "content_block_delta"
)

type Provider struct {
	name      string
	creds     provider.Credentials
	maxTokens int
	client    *http.Client
}

func New(name string, creds provider.Credentials) *Provider {
	if creds.BaseURL == "" {
		creds.BaseURL = defaultBaseURL
	}
	return &Provider{
		name:      name,
		creds:     creds,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{},
	}
}

func (p *Provider) Name() string {
	return p.name
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bodyData struct {
	Model     string         `json:"model"`
	Messages  []inputMessage `json:"messages"`
	MaxTokens int            `json:"max_tokens"`
	Stream    bool           `json:"stream"`
	System    string         `json:"system,omitempty"`
}

// buildRequestBody splits the uniform message list into the wire
// shape: the system message moves to the top-level system field,
// everything else stays in messages.
func (p *Provider) buildRequestBody(msgs []chat.Message, model string) ([]byte, error) {
	body := bodyData{
		Model:     model,
		MaxTokens: p.maxTokens,
		Stream:    true,
	}
	for _, m := range msgs {
		if m.Role == chat.RoleSystem {
			body.System = m.Content
			continue
		}
		body.Messages = append(body.Messages, inputMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return json.Marshal(body)
}

func (p *Provider) SendStreaming(ctx context.Context, msgs []chat.Message, model string) (*provider.Stream, error) {
	encoded, err := p.buildRequestBody(msgs, model)
	if err != nil {
		return nil, err
	}
	u, err := url.JoinPath(p.creds.BaseURL, "v1", "messages")
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u, bytes.NewReader(encoded))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("x-api-key", p.creds.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("content-type", "application/json")

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

type contentBlockStart struct {
	ContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content_block"`
}

type contentBlockDelta struct {
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type messageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) ParseRecord(ev *sse.Event) (*chat.StreamEvent, error) {
	switch eventType(ev.Event) {
	case eventTypeError:
		return &chat.StreamEvent{Err: errors.New(ev.Data)}, nil
	case eventTypeContentBlockStart:
		var block contentBlockStart
		if err := json.Unmarshal([]byte(ev.Data), &block); err != nil {
			return nil, err
		}
		if block.ContentBlock.Type == "text" && block.ContentBlock.Text != "" {
			return &chat.StreamEvent{Delta: block.ContentBlock.Text}, nil
		}
		return nil, nil
	case eventTypeContentBlockDelta:
		var delta contentBlockDelta
		if err := json.Unmarshal([]byte(ev.Data), &delta); err != nil {
			return nil, err
		}
		if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
			return &chat.StreamEvent{Delta: delta.Delta.Text}, nil
		}
		return nil, nil
	case eventTypeMessageDelta:
		// Arrives once at the end of the message with the stop
		// reason and the final usage counters.
		var delta messageDelta
		if err := json.Unmarshal([]byte(ev.Data), &delta); err != nil {
			return nil, err
		}
		if delta.Delta.StopReason != "" {
			return &chat.StreamEvent{Done: true, TokenCount: delta.Usage.OutputTokens}, nil
		}
		return nil, nil
	case eventTypeMessageStop:
		return &chat.StreamEvent{Done: true}, nil
	case eventTypePing:
		return nil, nil
	}
	return nil, nil
}

type modelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type modelResponse struct {
	Data    []modelInfo `json:"data"`
	HasMore bool        `json:"has_more"`
	LastID  string      `json:"last_id"`
}

func (p *Provider) ListModels(ctx context.Context) ([]provider.Model, error) {
	u, err := url.Parse(p.creds.BaseURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath("v1", "models")

	var results []provider.Model
	var pageToken string
	for {
		if pageToken != "" {
			u.RawQuery = url.Values{"after_id": {pageToken}}.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-api-key", p.creds.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &provider.UpstreamRejected{Status: resp.StatusCode, Body: string(data)}
		}
		parsed := &modelResponse{}
		err = json.NewDecoder(resp.Body).Decode(parsed)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		for _, m := range parsed.Data {
			results = append(results, provider.Model{ID: m.ID, DisplayName: m.DisplayName})
		}
		if parsed.HasMore {
			pageToken = parsed.LastID
		} else {
			break
		}
	}
	return results, nil
}
