package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"aictl/internal/stream"
)

// sessionCreated is the response to POST /session.
type sessionCreated struct {
	ID string `json:"id"`
}

// messagePart is one part of an outgoing prompt message.
type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// messageBody is the body of POST /session/{id}/message.
type messageBody struct {
	MessageID  string        `json:"messageID"`
	Agent      string        `json:"agent,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	Parts      []messagePart `json:"parts"`
}

// runAgentic drives one exchange through the persistent server: subscribe
// to the event stream first, then post the prompt asynchronously, then fold
// events until the session goes idle after producing content.
func (e *Engine) runAgentic(ctx context.Context, x *exchange, p params) error {
	base, err := e.servers.EnsureRunning(ctx, p.dir)
	if err != nil {
		return err
	}
	if p.agentOverridden {
		// A per-exchange planning agent is applied to the server for this
		// exchange; the server keeps it until changed again.
		e.servers.SetAgent(ctx, p.dir, p.agent)
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, base+"/event", nil)
	if err != nil {
		return fmt.Errorf("event stream request: %w", err)
	}
	conn := sse.DefaultClient.NewConnection(req)

	events := make(chan sse.Event, 128)
	unsubscribe := conn.SubscribeToAll(func(ev sse.Event) {
		select {
		case events <- ev:
		case <-streamCtx.Done():
		}
	})
	defer unsubscribe()

	connErr := make(chan error, 1)
	go func() { connErr <- conn.Connect() }()

	if err := e.awaitConnected(ctx, x, events, connErr); err != nil {
		return err
	}

	if p.sessionID == "" {
		id, err := e.createSession(ctx, base)
		if err != nil {
			return err
		}
		p.sessionID = id
		x.mu.Lock()
		x.st.SessionID = id
		x.mu.Unlock()
	}
	e.servers.SetSession(p.dir, p.sessionID)

	postErr := make(chan error, 1)
	go func() { postErr <- e.postMessage(ctx, base, p) }()

	return e.consumeEvents(ctx, x, events, connErr, postErr)
}

// awaitConnected waits for the stream's connection acknowledgement event.
// Servers that never send one are tolerated with a short fallback delay so
// the prompt is not posted before the subscription is live.
func (e *Engine) awaitConnected(ctx context.Context, x *exchange, events <-chan sse.Event, connErr <-chan error) error {
	fallback := time.NewTimer(e.connectFallback)
	defer fallback.Stop()
	for {
		select {
		case ev := <-events:
			if ev.Type == stream.EventServerConnected {
				return nil
			}
			x.foldEvent(ev.Type, []byte(ev.Data))
		case <-fallback.C:
			e.log.Debug().Msg("no connection acknowledgement, proceeding after fallback delay")
			return nil
		case err := <-connErr:
			return fmt.Errorf("event stream: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// consumeEvents folds stream events into the exchange until a terminal
// condition: a stream-reported error, cancellation, or the session going
// idle after content. The settle delay absorbs events still in flight when
// the idle signal arrives.
func (e *Engine) consumeEvents(ctx context.Context, x *exchange, events <-chan sse.Event, connErr, postErr <-chan error) error {
	var settle <-chan time.Time
	for {
		select {
		case ev := <-events:
			x.foldEvent(ev.Type, []byte(ev.Data))
			x.mu.Lock()
			failed := x.st.ErrText != ""
			contentSeen := x.st.ContentSeen
			busy := x.st.Busy
			x.mu.Unlock()
			if failed {
				return nil
			}
			// Only an explicit idle signal arriving after content counts as
			// completion. A session that was never reported busy is still
			// working, not done.
			if ev.Type == stream.EventSessionIdle && contentSeen {
				settle = time.After(e.settleDelay)
			} else if busy {
				settle = nil
			}
		case <-settle:
			return nil
		case err := <-postErr:
			if err != nil {
				return err
			}
			postErr = nil
		case err := <-connErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event stream closed: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) createSession(ctx context.Context, base string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/session", strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("create session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var created sessionCreated
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("create session: decode: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create session: empty id")
	}
	return created.ID, nil
}

// postMessage sends the prompt. Attached files travel as "@path" mentions
// appended to the prompt text, which is how the program resolves files in
// server mode.
func (e *Engine) postMessage(ctx context.Context, base string, p params) error {
	text := p.prompt
	for _, f := range p.files {
		text += "\n@" + f
	}
	body := messageBody{
		MessageID: uuid.NewString(),
		Agent:     p.agent,
		Parts:     []messagePart{{Type: "text", Text: text}},
	}
	if p.model != "" {
		if provider, model, ok := strings.Cut(p.model, "/"); ok {
			body.ProviderID, body.ModelID = provider, model
		} else {
			body.ModelID = p.model
		}
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/session/"+p.sessionID+"/message", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post message: status %d", resp.StatusCode)
	}
	return nil
}
