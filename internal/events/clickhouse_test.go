// ABOUTME: Tests for the batched event writer using an in-memory sink
// ABOUTME: Covers size-triggered flushes, drain on close, and drops on a full buffer

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu      sync.Mutex
	batches [][]*Event
	err     error
	block   chan struct{}
}

func (s *memorySink) insert(ctx context.Context, events []*Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]*Event(nil), events...))
	return s.err
}

func (s *memorySink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func event(i int) *Event {
	return &Event{ID: fmt.Sprintf("e%d", i), Kind: KindToolCall, Timestamp: time.Now()}
}

func TestClickHouseWriter_FlushesOnBatchSize(t *testing.T) {
	sink := &memorySink{}
	w := newClickHouseWriter(sink, ClickHouseOptions{BatchSize: 3, FlushInterval: time.Hour})
	defer w.Close()

	for i := 0; i < 3; i++ {
		w.Write(event(i))
	}

	require.Eventually(t, func() bool { return sink.total() == 3 }, time.Second, 5*time.Millisecond)
}

func TestClickHouseWriter_FlushesOnInterval(t *testing.T) {
	sink := &memorySink{}
	w := newClickHouseWriter(sink, ClickHouseOptions{BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	defer w.Close()

	w.Write(event(1))

	require.Eventually(t, func() bool { return sink.total() == 1 }, time.Second, 5*time.Millisecond)
}

func TestClickHouseWriter_DrainsOnClose(t *testing.T) {
	sink := &memorySink{}
	w := newClickHouseWriter(sink, ClickHouseOptions{BatchSize: 100, FlushInterval: time.Hour})

	for i := 0; i < 5; i++ {
		w.Write(event(i))
	}
	w.Close()
	w.Close()

	assert.Equal(t, 5, sink.total())
}

func TestClickHouseWriter_DropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	w := newClickHouseWriter(sink, ClickHouseOptions{BatchSize: 1, FlushInterval: time.Hour, BufferSize: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			w.Write(event(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write blocked with a full buffer")
	}

	close(sink.block)
	w.Close()
	assert.Less(t, sink.total(), 50)
}

func TestClickHouseWriter_SinkErrorsAreLogged(t *testing.T) {
	sink := &memorySink{err: errors.New("boom")}
	w := newClickHouseWriter(sink, ClickHouseOptions{BatchSize: 1, FlushInterval: time.Hour})
	w.Write(event(1))
	w.Close()
	assert.Equal(t, 1, sink.total())
}

func TestLogAndNopWriters(t *testing.T) {
	var w Writer = NewLogWriter(nil)
	w.Write(event(1))
	w.Close()

	w = NopWriter{}
	w.Write(event(2))
	w.Close()
}
