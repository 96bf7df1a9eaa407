// package provider defines the uniform streaming contract over the
// closed set of upstream providers, and the decoder that turns their
// raw byte streams into normalized events.
package provider

import (
	"context"
	"fmt"
	"io"

	"github.com/Xuzeipan/ai-chat/pkg/chat"
	"github.com/Xuzeipan/ai-chat/pkg/sse"
)

// Credentials is the already-decrypted provider access material
// handed in by the configuration collaborator. BaseURL overrides the
// provider's default endpoint when non-empty.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Model describes one model offered by a provider.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Stream is one live upstream connection. Body yields the raw
// response bytes; Cancel aborts the connection. Callers own both.
type Stream struct {
	Body   io.ReadCloser
	Cancel context.CancelFunc
}

// Provider adapts one upstream provider family to the uniform
// streaming contract. Implementations translate the {role, content}
// list into the provider's wire shape and expose the response as raw
// bytes; record interpretation happens in ParseRecord, one upstream
// record at a time.
type Provider interface {
	Name() string

	// SendStreaming opens a streaming completion for the given
	// context window. A connection-time failure (transport error or
	// non-2xx status) is reported as *UpstreamRejected.
	SendStreaming(ctx context.Context, msgs []chat.Message, model string) (*Stream, error)

	// ParseRecord translates one complete upstream record into a
	// normalized event. A nil event with nil error means the record
	// carries nothing of interest (keep-alives and the like).
	ParseRecord(ev *sse.Event) (*chat.StreamEvent, error)

	ListModels(ctx context.Context) ([]Model, error)
}

// UpstreamRejected reports a request that never started streaming:
// DNS/TLS failure or a non-2xx status at request time. It is distinct
// from a failure in the middle of an established stream.
type UpstreamRejected struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamRejected) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream rejected the request: %v", e.Err)
	}
	return fmt.Sprintf("upstream rejected the request: status %d: %s", e.Status, e.Body)
}

func (e *UpstreamRejected) Unwrap() error {
	return e.Err
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
