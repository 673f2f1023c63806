package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/toll-ledger/ledger"
)

type recordingSink struct {
	name    string
	mu      sync.Mutex
	got     []ledger.Notification
	err     error
	started chan struct{}
	block   chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, n ledger.Notification) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func (s *recordingSink) references() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []string
	for _, n := range s.got {
		refs = append(refs, n.Reference)
	}
	return refs
}

type panicSink struct{}

func (panicSink) Name() string { return "panic" }
func (panicSink) Send(context.Context, ledger.Notification) error {
	panic("boom")
}

func note(ref string) ledger.Notification {
	return ledger.Notification{Event: ledger.EventTopupCompleted, AccountID: "tag1", Reference: ref}
}

func TestDispatcher_FansOutInOrder(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b", err: errors.New("broker down")}
	d := NewDispatcher(8, nil, a, panicSink{}, b)

	for _, ref := range []string{"r1", "r2", "r3"} {
		d.Notify(context.Background(), note(ref))
	}
	require.NoError(t, d.Close(context.Background()))

	// A failing or panicking sink never stops delivery to the others
	assert.Equal(t, []string{"r1", "r2", "r3"}, a.references())
	assert.Equal(t, []string{"r1", "r2", "r3"}, b.references())
	assert.Equal(t, []string{"a", "panic", "b"}, d.Sinks())
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	// GIVEN: A sink stuck on the first notification and a one-slot queue
	// WHEN: Two more notifications arrive
	// THEN: The first waits in the queue, the second is dropped, Notify never blocks

	s := &recordingSink{name: "slow", started: make(chan struct{}, 1), block: make(chan struct{})}
	d := NewDispatcher(1, nil, s)

	d.Notify(context.Background(), note("r1"))
	select {
	case <-s.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first notification")
	}

	done := make(chan struct{})
	go func() {
		d.Notify(context.Background(), note("r2"))
		d.Notify(context.Background(), note("r3"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	assert.Equal(t, uint64(1), d.Dropped())

	close(s.block)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, []string{"r1", "r2"}, s.references())
}

func TestDispatcher_NotifyAfterClose(t *testing.T) {
	s := &recordingSink{name: "a"}
	d := NewDispatcher(4, nil, s)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	assert.NotPanics(t, func() { d.Notify(context.Background(), note("late")) })
	assert.Empty(t, s.references())
}

func TestDispatcher_CloseHonorsContext(t *testing.T) {
	s := &recordingSink{name: "stuck", block: make(chan struct{})}
	d := NewDispatcher(4, nil, s)
	d.Notify(context.Background(), note("r1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	close(s.block)
}
