package outcome

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quickrevert/api_automation/internal/store"
)

type fakeStore struct {
	mu         sync.Mutex
	activity   []store.ActivityRecord
	failures   []store.FailureRecord
	delay      time.Duration
	err        error
	sawCtxDone bool
}

func (f *fakeStore) InsertActivity(ctx context.Context, rec *store.ActivityRecord) error {
	if err := f.block(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, *rec)
	return nil
}

func (f *fakeStore) InsertFailure(ctx context.Context, rec *store.FailureRecord) error {
	if err := f.block(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, *rec)
	return nil
}

func (f *fakeStore) block(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.sawCtxDone = true
			f.mu.Unlock()
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeStore) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.activity), len(f.failures)
}

type fakeSink struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (s *fakeSink) Publish(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return s.err
}

func (s *fakeSink) all() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

func TestRecorderWritesActivityAndPublishes(t *testing.T) {
	st := &fakeStore{}
	sink := &fakeSink{}
	var writes []string
	var mu sync.Mutex
	r := NewRecorder(Config{Store: st, Sink: sink, Wait: time.Second, OnWrite: func(kind, status string) {
		mu.Lock()
		writes = append(writes, kind+":"+status)
		mu.Unlock()
	}})

	rec := &store.ActivityRecord{EventKey: "k", AccountID: "acc-1", RouteID: "r-1", WorkflowID: "wf-1", StatusCode: 200}
	require.NoError(t, r.Activity(context.Background(), rec))
	require.NoError(t, r.Close(context.Background()))

	require.NotEmpty(t, rec.ID)
	require.False(t, rec.CreatedAt.IsZero())
	a, f := st.counts()
	require.Equal(t, 1, a)
	require.Equal(t, 0, f)

	published := sink.all()
	require.Len(t, published, 1)
	require.Equal(t, KindActivity, published[0].Kind)
	require.Equal(t, rec.ID, published[0].ID)
	require.Equal(t, []string{"activity:ok"}, writes)
}

func TestRecorderFailureKeepsPayload(t *testing.T) {
	st := &fakeStore{}
	sink := &fakeSink{}
	r := NewRecorder(Config{Store: st, Sink: sink})

	payload := json.RawMessage(`{"object":"instagram","entry":[{"id":"1784"}]}`)
	require.NoError(t, r.Failure(context.Background(), &store.FailureRecord{
		EventKey: "k", Reason: "AccountNotFound", ExternalID: "1784", Payload: payload,
	}))
	require.NoError(t, r.Close(context.Background()))

	require.Len(t, st.failures, 1)
	require.JSONEq(t, string(payload), string(st.failures[0].Payload))
	require.Equal(t, "AccountNotFound", sink.all()[0].Reason)
}

func TestRecorderWaitIsBounded(t *testing.T) {
	st := &fakeStore{delay: 200 * time.Millisecond}
	r := NewRecorder(Config{Store: st, Wait: 20 * time.Millisecond})

	start := time.Now()
	err := r.Activity(context.Background(), &store.ActivityRecord{EventKey: "slow"})
	require.ErrorIs(t, err, ErrPending)
	require.Less(t, time.Since(start), 150*time.Millisecond)

	require.NoError(t, r.Close(context.Background()))
	a, _ := st.counts()
	require.Equal(t, 1, a, "write must complete in the background")
}

func TestRecorderWriteOutlivesCallerContext(t *testing.T) {
	st := &fakeStore{delay: 50 * time.Millisecond}
	r := NewRecorder(Config{Store: st, Wait: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	require.ErrorIs(t, r.Failure(ctx, &store.FailureRecord{EventKey: "k"}), ErrPending)
	cancel()

	require.NoError(t, r.Close(context.Background()))
	_, f := st.counts()
	require.Equal(t, 1, f)
	require.False(t, st.sawCtxDone)
}

func TestRecorderStoreErrorSkipsSink(t *testing.T) {
	boom := errors.New("db down")
	sink := &fakeSink{}
	r := NewRecorder(Config{Store: &fakeStore{err: boom}, Sink: sink, Wait: time.Second})

	err := r.Failure(context.Background(), &store.FailureRecord{EventKey: "k"})
	require.ErrorIs(t, err, boom)
	require.NoError(t, r.Close(context.Background()))
	require.Empty(t, sink.all())
}

func TestRecorderSinkErrorDoesNotFailRecord(t *testing.T) {
	st := &fakeStore{}
	r := NewRecorder(Config{Store: st, Sink: &fakeSink{err: errors.New("broker down")}, Wait: time.Second})

	require.NoError(t, r.Activity(context.Background(), &store.ActivityRecord{EventKey: "k"}))
	require.NoError(t, r.Close(context.Background()))
	a, _ := st.counts()
	require.Equal(t, 1, a)
}

func TestRecorderCloseHonoursContext(t *testing.T) {
	r := NewRecorder(Config{Store: &fakeStore{delay: time.Second}, Wait: time.Millisecond})
	_ = r.Activity(context.Background(), &store.ActivityRecord{EventKey: "k"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
}

type fakePublisher struct {
	topic, key string
	value      any
	headers    map[string]string
}

func (p *fakePublisher) PublishJSON(_ context.Context, topic, key string, v any, headers map[string]string) error {
	p.topic, p.key, p.value, p.headers = topic, key, v, headers
	return nil
}

func TestKafkaSinkPublishesKeyedByEvent(t *testing.T) {
	p := &fakePublisher{}
	sink := NewKafkaSink(p, "automation_outcomes")

	o := Outcome{Kind: KindFailure, EventKey: "evt", Reason: "DispatchRejected"}
	require.NoError(t, sink.Publish(context.Background(), o))
	require.Equal(t, "automation_outcomes", p.topic)
	require.Equal(t, "evt", p.key)
	require.Equal(t, o, p.value)
	require.Equal(t, map[string]string{"kind": KindFailure, "reason": "DispatchRejected"}, p.headers)
}
