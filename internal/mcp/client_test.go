package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport records written frames and is always ready.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeTransport) EnsureReady(ctx context.Context) error { return nil }

func (f *fakeTransport) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	f.frames = append(f.frames, frame)
	return nil
}

// sentFrame decodes the i-th written frame.
type sentFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (f *fakeTransport) frame(t *testing.T, i int) sentFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.frames)
		var raw []byte
		if i < n {
			raw = f.frames[i]
		}
		f.mu.Unlock()
		if raw != nil {
			var sf sentFrame
			if err := json.Unmarshal(raw, &sf); err != nil {
				t.Fatalf("failed to decode frame %d: %v", i, err)
			}
			return sf
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for frame %d (have %d)", i, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func textResult(text string) string {
	return fmt.Sprintf(`{"content":[{"type":"text","text":%q}]}`, text)
}

func respond(c *Client, id, result string) {
	c.HandleFrame([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, result)))
}

func TestCallResolvesByCorrelationID(t *testing.T) {
	t.Parallel()
	tp := &fakeTransport{}
	c := NewClient(tp, time.Second)

	done := make(chan error, 1)
	go func() {
		result, err := c.Call(context.Background(), "search_companies", json.RawMessage(`{"query":"Acme"}`))
		if err != nil {
			done <- err
			return
		}
		if len(result.Content) == 0 {
			done <- errors.New("empty result content")
			return
		}
		done <- nil
	}()

	sf := tp.frame(t, 0)
	if sf.Method != "tools/call" {
		t.Errorf("method = %q, want tools/call", sf.Method)
	}
	if sf.ID == "" {
		t.Fatal("request carried no correlation id")
	}
	respond(c, sf.ID, textResult("two companies"))

	if err := <-done; err != nil {
		t.Fatalf("Call failed: %v", err)
	}
}

func TestCallTimeoutThenLateResponseIsDiscarded(t *testing.T) {
	t.Parallel()
	tp := &fakeTransport{}
	c := NewClient(tp, 50*time.Millisecond)

	_, err := c.Call(context.Background(), "slow_tool", nil)
	var te *ToolError
	if !errors.As(err, &te) || te.Kind != ToolErrTimeout {
		t.Fatalf("expected timeout ToolError, got %v", err)
	}

	// The late response must be dropped as unmatched, not resolve anything.
	sf := tp.frame(t, 0)
	respond(c, sf.ID, textResult("too late"))

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("pending table has %d entries after timeout, want 0", n)
	}
}

func TestConcurrentCallsResolveToOwnSlots(t *testing.T) {
	t.Parallel()
	tp := &fakeTransport{}
	c := NewClient(tp, 2*time.Second)

	type res struct {
		text string
		err  error
	}
	results := make([]chan res, 2)
	for i := range results {
		results[i] = make(chan res, 1)
	}

	call := func(i int, tool string) {
		r, err := c.Call(context.Background(), tool, nil)
		if err != nil {
			results[i] <- res{err: err}
			return
		}
		data, _ := json.Marshal(r.Content)
		results[i] <- res{text: string(data)}
	}
	go call(0, "tool_a")
	go call(1, "tool_b")

	first := tp.frame(t, 0)
	second := tp.frame(t, 1)
	if first.ID == second.ID {
		t.Fatal("two calls shared a correlation id")
	}

	// Resolve in reverse order of issue.
	respond(c, second.ID, textResult("beta"))
	respond(c, first.ID, textResult("alpha"))

	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(first.Params, &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	wantFirst := "alpha"
	wantSecond := "beta"
	firstIdx, secondIdx := 0, 1
	if params.Name == "tool_b" {
		firstIdx, secondIdx = 1, 0
	}

	r := <-results[firstIdx]
	if r.err != nil || !strings.Contains(r.text, wantFirst) {
		t.Errorf("first caller got (%q, %v), want text containing %q", r.text, r.err, wantFirst)
	}
	r = <-results[secondIdx]
	if r.err != nil || !strings.Contains(r.text, wantSecond) {
		t.Errorf("second caller got (%q, %v), want text containing %q", r.text, r.err, wantSecond)
	}
}

func TestMalformedFrameIsIsolated(t *testing.T) {
	t.Parallel()
	tp := &fakeTransport{}
	c := NewClient(tp, time.Second)

	c.HandleFrame([]byte(`{not json`))
	c.HandleFrame([]byte(`{"jsonrpc":"2.0"}`))

	// The client must still serve calls after garbage frames.
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "echo", nil)
		done <- err
	}()
	sf := tp.frame(t, 0)
	respond(c, sf.ID, textResult("ok"))
	if err := <-done; err != nil {
		t.Fatalf("Call after malformed frames failed: %v", err)
	}
}

func TestMalformedResultIsProtocolViolation(t *testing.T) {
	t.Parallel()
	tp := &fakeTransport{}
	c := NewClient(tp, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "echo", nil)
		done <- err
	}()
	sf := tp.frame(t, 0)
	respond(c, sf.ID, `"not a call result"`)

	err := <-done
	var te *ToolError
	if !errors.As(err, &te) || te.Kind != ToolErrProtocolViolation {
		t.Fatalf("expected protocol violation ToolError, got %v", err)
	}
	if te.Tool != "echo" {
		t.Errorf("ToolError.Tool = %q, want echo", te.Tool)
	}
}

func TestRPCErrorBecomesExecutionError(t *testing.T) {
	t.Parallel()
	tp := &fakeTransport{}
	c := NewClient(tp, time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "broken", nil)
		done <- err
	}()
	sf := tp.frame(t, 0)
	c.HandleFrame([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32000,"message":"boom"}}`, sf.ID)))

	err := <-done
	var te *ToolError
	if !errors.As(err, &te) || te.Kind != ToolErrExecution {
		t.Fatalf("expected execution ToolError, got %v", err)
	}
}

func TestFailAllPendingSurfacesProcessUnavailable(t *testing.T) {
	t.Parallel()
	tp := &fakeTransport{}
	c := NewClient(tp, 5*time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "anything", nil)
		done <- err
	}()
	tp.frame(t, 0)

	c.FailAllPending(ErrProcessUnavailable)

	if err := <-done; !errors.Is(err, ErrProcessUnavailable) {
		t.Fatalf("expected ErrProcessUnavailable, got %v", err)
	}
}

func TestCancelledCallDropsSlot(t *testing.T) {
	t.Parallel()
	tp := &fakeTransport{}
	c := NewClient(tp, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "anything", nil)
		done <- err
	}()
	sf := tp.frame(t, 0)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// The eventual result must be rejected as unmatched, not crash.
	respond(c, sf.ID, textResult("late"))
}
