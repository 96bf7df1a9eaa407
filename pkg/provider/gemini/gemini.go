// package gemini adapts the Gemini generateContent endpoint to the
// uniform streaming contract.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/Xuzeipan/ai-chat/pkg/chat"
	"github.com/Xuzeipan/ai-chat/pkg/provider"
	"github.com/Xuzeipan/ai-chat/pkg/sse"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

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

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	SystemInstruction *content  `json:"system_instruction,omitempty"`
	Contents          []content `json:"contents"`
}

// buildRequestBody maps roles to the Gemini wire shape: the system
// message becomes system_instruction and assistant turns use the
// "model" role.
func buildRequestBody(msgs []chat.Message) ([]byte, error) {
	var body generateRequest
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			body.SystemInstruction = &content{Parts: []part{{Text: m.Content}}}
		case chat.RoleAssistant:
			body.Contents = append(body.Contents, content{
				Role:  "model",
				Parts: []part{{Text: m.Content}},
			})
		default:
			body.Contents = append(body.Contents, content{
				Role:  "user",
				Parts: []part{{Text: m.Content}},
			})
		}
	}
	return json.Marshal(body)
}

func (p *Provider) SendStreaming(ctx context.Context, msgs []chat.Message, model string) (*provider.Stream, error) {
	encoded, err := buildRequestBody(msgs)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(p.creds.BaseURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath("v1beta", "models", model+":streamGenerateContent")
	u.RawQuery = url.Values{"alt": {"sse"}}.Encode()

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.String(), bytes.NewReader(encoded))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("x-goog-api-key", p.creds.APIKey)
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

type generateChunk struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *Provider) ParseRecord(ev *sse.Event) (*chat.StreamEvent, error) {
	var chunk generateChunk
	if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
		return nil, err
	}
	if len(chunk.Candidates) == 0 {
		return nil, nil
	}
	cand := chunk.Candidates[0]
	var text string
	for _, pt := range cand.Content.Parts {
		text += pt.Text
	}
	if text != "" {
		return &chat.StreamEvent{Delta: text}, nil
	}
	// A record may carry only the finish reason; the final text
	// record usually carries both, in which case the stream's clean
	// closure stands in for the terminal event.
	if cand.FinishReason != "" {
		tokens := 0
		if chunk.UsageMetadata != nil {
			tokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		return &chat.StreamEvent{Done: true, TokenCount: tokens}, nil
	}
	return nil, nil
}

type modelEntry struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type modelListResponse struct {
	Models        []modelEntry `json:"models"`
	NextPageToken string       `json:"nextPageToken"`
}

func (p *Provider) ListModels(ctx context.Context) ([]provider.Model, error) {
	u, err := url.Parse(p.creds.BaseURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath("v1beta", "models")

	var results []provider.Model
	var pageToken string
	for {
		q := url.Values{}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		u.RawQuery = q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-goog-api-key", p.creds.APIKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &provider.UpstreamRejected{Status: resp.StatusCode, Body: string(data)}
		}
		parsed := &modelListResponse{}
		err = json.NewDecoder(resp.Body).Decode(parsed)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		for _, m := range parsed.Models {
			results = append(results, provider.Model{ID: m.Name, DisplayName: m.DisplayName})
		}
		if parsed.NextPageToken != "" {
			pageToken = parsed.NextPageToken
		} else {
			break
		}
	}
	return results, nil
}
