package outcome

import "context"

type publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any, headers map[string]string) error
}

// KafkaSink publishes outcomes keyed by event key so one event's records land
// on one partition.
type KafkaSink struct {
	producer publisher
	topic    string
}

func NewKafkaSink(producer publisher, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Publish(ctx context.Context, o Outcome) error {
	headers := map[string]string{"kind": o.Kind}
	if o.Reason != "" {
		headers["reason"] = o.Reason
	}
	return s.producer.PublishJSON(ctx, s.topic, o.EventKey, o, headers)
}
