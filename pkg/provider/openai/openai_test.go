package openai

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

func TestSendStreaming(t *testing.T) {
	var gotBody requestBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := New("openai", provider.Credentials{APIKey: "test-key", BaseURL: srv.URL})
	stream, err := p.SendStreaming(context.Background(), []chat.Message{
		{Role: chat.RoleSystem, Content: "sys"},
		{Role: chat.RoleUser, Content: "hi"},
	}, "gpt-4o")
	if err != nil {
		t.Fatalf("SendStreaming failed: %v", err)
	}
	defer stream.Body.Close()
	defer stream.Cancel()

	if !gotBody.Stream {
		t.Error("expected stream: true")
	}
	if gotBody.Model != "gpt-4o" {
		t.Errorf("unexpected model %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" {
		t.Errorf("unexpected messages: %+v", gotBody.Messages)
	}
}

func TestSendStreamingRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := New("openai", provider.Credentials{APIKey: "bad", BaseURL: srv.URL})
	_, err := p.SendStreaming(context.Background(), nil, "gpt-4o")
	var rejected *provider.UpstreamRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected UpstreamRejected, got %v", err)
	}
	if rejected.Status != http.StatusUnauthorized {
		t.Errorf("unexpected status %d", rejected.Status)
	}
}

func TestParseRecord(t *testing.T) {
	p := New("openai", provider.Credentials{})
	tests := []struct {
		name string
		data string
		want *chat.StreamEvent
	}{
		{
			name: "delta",
			data: `{"choices":[{"delta":{"content":"hey"}}]}`,
			want: &chat.StreamEvent{Delta: "hey"},
		},
		{
			name: "finish reason only",
			data: `{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			want: nil,
		},
		{
			name: "usage record",
			data: `{"choices":[],"usage":{"completion_tokens":7}}`,
			want: &chat.StreamEvent{Done: true, TokenCount: 7},
		},
		{
			name: "done marker",
			data: `[DONE]`,
			want: &chat.StreamEvent{Done: true},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := p.ParseRecord(&sse.Event{Data: tc.data})
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

func TestParseRecordMalformed(t *testing.T) {
	p := New("openai", provider.Credentials{})
	if _, err := p.ParseRecord(&sse.Event{Data: "not json"}); err == nil {
		t.Error("expected a parse error")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	}))
	defer srv.Close()

	p := New("openai", provider.Credentials{APIKey: "k", BaseURL: srv.URL})
	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 || models[0].ID != "gpt-4o" {
		t.Errorf("unexpected models: %+v", models)
	}
}
