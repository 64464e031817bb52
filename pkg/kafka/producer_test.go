package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"quickrevert/pkg/logging"
)

type fakeClient struct {
	records []*kgo.Record
	err     error
	pingErr error
	closed  bool
}

func (f *fakeClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.records = append(f.records, rs...)
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeClient) Ping(context.Context) error { return f.pingErr }
func (f *fakeClient) Close()                     { f.closed = true }

func newTestProducer(c *fakeClient) *Producer {
	return &Producer{client: c, logger: logging.NewDiscardLogger(), timeout: time.Second}
}

func TestPublishJSONSetsKeyValueAndHeaders(t *testing.T) {
	c := &fakeClient{}
	p := newTestProducer(c)

	err := p.PublishJSON(context.Background(), "automation_outcomes", "evt-1", map[string]string{"kind": "activity"}, map[string]string{"kind": "activity"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(c.records))
	}
	rec := c.records[0]
	if rec.Topic != "automation_outcomes" || string(rec.Key) != "evt-1" {
		t.Fatalf("unexpected record topic/key: %s %s", rec.Topic, rec.Key)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Value, &body); err != nil || body["kind"] != "activity" {
		t.Fatalf("unexpected value %s (%v)", rec.Value, err)
	}
	if len(rec.Headers) != 1 || rec.Headers[0].Key != "kind" || string(rec.Headers[0].Value) != "activity" {
		t.Fatalf("unexpected headers %+v", rec.Headers)
	}
}

func TestProduceMessageWrapsBrokerError(t *testing.T) {
	brokerErr := errors.New("not leader")
	p := newTestProducer(&fakeClient{err: brokerErr})

	err := p.ProduceMessage(context.Background(), "t", nil, []byte("{}"), nil)
	if !errors.Is(err, brokerErr) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
}

func TestPublishJSONRejectsUnmarshalable(t *testing.T) {
	c := &fakeClient{}
	p := newTestProducer(c)
	if err := p.PublishJSON(context.Background(), "t", "k", make(chan int), nil); err == nil {
		t.Fatal("expected marshal error")
	}
	if len(c.records) != 0 {
		t.Fatal("expected nothing produced")
	}
}

func TestPingAndClose(t *testing.T) {
	c := &fakeClient{pingErr: errors.New("down")}
	p := newTestProducer(c)
	if err := p.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
	_ = p.Close()
	if !c.closed {
		t.Fatal("expected client closed")
	}
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	if _, err := NewProducer(nil, "bosun", logging.NewDiscardLogger()); err == nil {
		t.Fatal("expected error without brokers")
	}
}
