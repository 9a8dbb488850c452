package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kootru-repo/gemini-livewire-avatar/internal/session"
	"github.com/kootru-repo/gemini-livewire-avatar/internal/upstream"
)

type fakeDialer struct {
	handle *fakeHandle
	err    error
	opens  int
}

func (d *fakeDialer) Open(ctx context.Context) (upstream.Handle, error) {
	d.opens++
	if d.err != nil {
		return nil, d.err
	}
	return d.handle, nil
}

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	reg := session.NewRegistry(testLogger(), 10, time.Hour, time.Hour)
	t.Cleanup(reg.Stop)
	return reg
}

func TestSupervisorHappyPath(t *testing.T) {
	conn := newFakeConn()
	handle := newFakeHandle()
	dialer := &fakeDialer{handle: handle}
	reg := newTestRegistry(t)

	sup := NewSupervisor(testLogger(), testMetrics(), reg, dialer, conn, SupervisorConfig{
		Limits: testLimits(),
	})

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	waitFor(t, "ready signal", func() bool {
		return len(conn.messagesOfType(TypeReady)) == 1
	})
	if reg.Count() != 1 {
		t.Fatalf("registry count = %d during session, want 1", reg.Count())
	}

	ready := conn.messagesOfType(TypeReady)[0].Data.(map[string]any)
	id, _ := ready["session_id"].(string)
	if !session.ValidateID(id) {
		t.Fatalf("ready carried session_id %q, want a UUID v4", id)
	}

	conn.hangUp()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}

	if reg.Count() != 0 {
		t.Fatalf("registry count = %d after teardown, want 0", reg.Count())
	}
	handle.mu.Lock()
	closes := handle.closeCount
	handle.mu.Unlock()
	if closes == 0 {
		t.Fatal("upstream handle not closed on teardown")
	}
}

func TestSupervisorPrimesBeforeReady(t *testing.T) {
	conn := newFakeConn()
	handle := newFakeHandle()
	// The acknowledgment turn the model sends back for the preload.
	handle.waves <- []upstream.Event{
		{Type: upstream.EventContent, Content: &upstream.Content{
			Parts:        []upstream.Part{{Text: "understood"}},
			TurnComplete: true,
		}},
	}
	dialer := &fakeDialer{handle: handle}

	sup := NewSupervisor(testLogger(), testMetrics(), newTestRegistry(t), dialer, conn, SupervisorConfig{
		Limits:         testLimits(),
		PreloadContext: "You are the station keeper.",
	})

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	waitFor(t, "ready signal", func() bool {
		return len(conn.messagesOfType(TypeReady)) == 1
	})

	sent := handle.sentPayloads()
	if len(sent) != 1 || sent[0].payload.Text != "You are the station keeper." || !sent[0].endOfTurn {
		t.Fatalf("priming payloads = %+v, want one preload turn", sent)
	}
	// The acknowledgment was drained, not relayed.
	if n := len(conn.messagesOfType(TypeText)); n != 0 {
		t.Fatalf("relayed %d text messages from the acknowledgment turn, want 0", n)
	}

	conn.hangUp()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
}

func TestSupervisorPrimingFailureNotFatal(t *testing.T) {
	conn := newFakeConn()
	handle := newFakeHandle()
	handle.setSendErr(errors.New("write refused"))
	dialer := &fakeDialer{handle: handle}

	sup := NewSupervisor(testLogger(), testMetrics(), newTestRegistry(t), dialer, conn, SupervisorConfig{
		Limits:         testLimits(),
		PreloadContext: "backstory",
	})

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	// The session still comes up.
	waitFor(t, "ready signal", func() bool {
		return len(conn.messagesOfType(TypeReady)) == 1
	})

	handle.setSendErr(nil)
	conn.hangUp()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
}

func TestSupervisorUpstreamFailure(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{err: &upstream.ConnectError{Attempts: 3, Err: errors.New("refused")}}
	reg := newTestRegistry(t)

	sup := NewSupervisor(testLogger(), testMetrics(), reg, dialer, conn, SupervisorConfig{
		Limits: testLimits(),
	})

	err := sup.Run(context.Background())
	if err == nil {
		t.Fatal("Run() = nil, want error when upstream is unreachable")
	}
	if sup.State() != StateFailed {
		t.Fatalf("state = %s, want failed", sup.State())
	}

	msgs := conn.messagesOfType(TypeError)
	if len(msgs) != 1 || msgs[0].Data.(map[string]any)["error_type"] != ErrTypeGeneral {
		t.Fatalf("error messages = %+v, want one general error", msgs)
	}
	if len(conn.messagesOfType(TypeReady)) != 0 {
		t.Fatal("ready sent despite upstream failure")
	}
	if reg.Count() != 0 {
		t.Fatalf("registry count = %d after failure, want 0", reg.Count())
	}
}

func TestSupervisorStateReachesClosed(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{handle: newFakeHandle()}

	sup := NewSupervisor(testLogger(), testMetrics(), newTestRegistry(t), dialer, conn, SupervisorConfig{
		Limits: testLimits(),
	})

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	waitFor(t, "ready signal", func() bool {
		return len(conn.messagesOfType(TypeReady)) == 1
	})
	conn.hangUp()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if sup.State() != StateClosed {
		t.Fatalf("state = %s, want closed", sup.State())
	}
}
