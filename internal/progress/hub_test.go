package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// captureSink records every batch it consumes.
type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func validEvent(stage Stage) Event {
	return Event{
		JobID:  JobIDBytes("0190b137-5d17-7c89-a9a5-111111111111"),
		TS:     time.Unix(1700000000, 0).UTC(),
		Stage:  stage,
		Domain: "example.com",
	}
}

func TestHubDeliversEventsToSinks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(validEvent(StageJobStart))
	hub.Emit(validEvent(StagePageDone))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHubFlushesOnClose(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	// Long batch wait so only Close can flush.
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	hub.Emit(validEvent(StageJobStart))
	hub.Emit(validEvent(StageJobDone))
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.snapshot(), 2)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{})                        // no job id
	hub.Emit(Event{Stage: StagePageStart})   // no timestamp either
	evt := validEvent(StagePageDone)
	evt.Domain = "" // page events need a domain
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.snapshot())
}

func TestHubEmitAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(validEvent(StageJobStart)) // must not panic or deliver
	require.Empty(t, sink.snapshot())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	evt := validEvent(StagePageDone)
	require.NoError(t, evt.Validate())

	bad := evt
	bad.Stage = "WEIRD"
	require.Error(t, bad.Validate())

	bad = evt
	bad.Dur = -time.Second
	require.Error(t, bad.Validate())

	require.NoError(t, Event{
		JobID: evt.JobID,
		TS:    evt.TS,
		Stage: StageJobStart,
	}.Validate(), "job events do not need a domain")
}

func TestJobIDBytes(t *testing.T) {
	t.Parallel()

	id := "0190b137-5d17-7c89-a9a5-111111111111"
	b := JobIDBytes(id)
	require.NotEqual(t, [16]byte{}, b)
	require.Equal(t, id, Event{JobID: b}.JobUUID().String())

	require.Equal(t, [16]byte{}, JobIDBytes("not-a-uuid"))
}
