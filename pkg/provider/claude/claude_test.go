package claude

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Xuzeipan/ai-chat/pkg/chat"
	"github.com/Xuzeipan/ai-chat/pkg/provider"
	"github.com/Xuzeipan/ai-chat/pkg/sse"
)

func TestBuildRequestBody(t *testing.T) {
	p := New("claude", provider.Credentials{})
	encoded, err := p.buildRequestBody([]chat.Message{
		{Role: chat.RoleSystem, Content: "be nice"},
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "hello"},
	}, "claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("buildRequestBody failed: %v", err)
	}
	var body bodyData
	if err := json.Unmarshal(encoded, &body); err != nil {
		t.Fatalf("invalid body json: %v", err)
	}
	if body.System != "be nice" {
		t.Errorf("system message not hoisted: %+v", body)
	}
	if len(body.Messages) != 2 {
		t.Errorf("expected 2 wire messages, got %+v", body.Messages)
	}
	if !body.Stream {
		t.Error("expected stream: true")
	}
}

func TestSendStreamingRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := New("claude", provider.Credentials{APIKey: "k", BaseURL: srv.URL})
	_, err := p.SendStreaming(context.Background(), nil, "claude-sonnet-4-5")
	var rejected *provider.UpstreamRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected UpstreamRejected, got %v", err)
	}
	if rejected.Status != http.StatusTooManyRequests {
		t.Errorf("unexpected status %d", rejected.Status)
	}
}

func TestParseRecord(t *testing.T) {
	p := New("claude", provider.Credentials{})
	tests := []struct {
		name  string
		event sse.Event
		want  *chat.StreamEvent
	}{
		{
			name:  "ping",
			event: sse.Event{Event: "ping", Data: `{"type":"ping"}`},
			want:  nil,
		},
		{
			name:  "text delta",
			event: sse.Event{Event: "content_block_delta", Data: `{"delta":{"type":"text_delta","text":"Hi"}}`},
			want:  &chat.StreamEvent{Delta: "Hi"},
		},
		{
			name:  "block start with text",
			event: sse.Event{Event: "content_block_start", Data: `{"content_block":{"type":"text","text":"He"}}`},
			want:  &chat.StreamEvent{Delta: "He"},
		},
		{
			name:  "message delta with stop reason",
			event: sse.Event{Event: "message_delta", Data: `{"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}`},
			want:  &chat.StreamEvent{Done: true, TokenCount: 12},
		},
		{
			name:  "message stop",
			event: sse.Event{Event: "message_stop", Data: `{"type":"message_stop"}`},
			want:  &chat.StreamEvent{Done: true},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.ParseRecord(&tc.event)
			if err != nil {
				t.Fatalf("ParseRecord failed: %v", err)
			}
			if tc.want == nil {
				if got != nil {
					t.Errorf("expected nil event, got %+v", got)
				}
				return
			}
			if got == nil || *got != *tc.want {
				t.Errorf("want %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestParseRecordError(t *testing.T) {
	p := New("claude", provider.Credentials{})
	got, err := p.ParseRecord(&sse.Event{Event: "error", Data: `{"type":"overloaded_error"}`})
	if err != nil {
		t.Fatalf("ParseRecord failed: %v", err)
	}
	if got == nil || got.Err == nil {
		t.Errorf("expected error event, got %+v", got)
	}
}

func TestListModelsPagination(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("after_id") == "" {
			io.WriteString(w, `{"data":[{"id":"a"}],"has_more":true,"last_id":"a"}`)
			return
		}
		io.WriteString(w, `{"data":[{"id":"b"}],"has_more":false}`)
	}))
	defer srv.Close()

	p := New("claude", provider.Credentials{APIKey: "k", BaseURL: srv.URL})
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 pages, got %d", calls)
	}
	if len(models) != 2 || models[0].ID != "a" || models[1].ID != "b" {
		t.Errorf("unexpected models: %+v", models)
	}
}

func TestListModelsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New("claude", provider.Credentials{APIKey: "bad", BaseURL: srv.URL})
	_, err := p.ListModels(context.Background())
	var rejected *provider.UpstreamRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected UpstreamRejected, got %v", err)
	}
	if rejected.Status != http.StatusUnauthorized {
		t.Errorf("unexpected status %d", rejected.Status)
	}
}
