package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
)

type event struct {
	topic   string
	payload any
}

// Recorder publishes error records and template variant choices to their
// topics from a single background goroutine. Record calls never block: when
// the buffer is full the event is dropped and logged.
type Recorder struct {
	q      Queue
	events chan event
	log    zerolog.Logger
}

func NewRecorder(q Queue, buffer int, log zerolog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		q:      q,
		events: make(chan event, buffer),
		log:    log.With().Str("component", "recorder").Logger(),
	}
}

func (r *Recorder) RecordError(_ context.Context, rec model.ErrorRecord) {
	r.enqueue(TopicErrorRecords, rec)
}

func (r *Recorder) RecordVariants(_ context.Context, choice model.VariantChoice) {
	r.enqueue(TopicVariants, choice)
}

func (r *Recorder) enqueue(topic string, payload any) {
	select {
	case r.events <- event{topic: topic, payload: payload}:
	default:
		r.log.Warn().Str("topic", topic).Msg("event buffer full, dropping")
	}
}

// Run publishes buffered events until ctx ends, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			r.publish(ctx, ev)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.events:
			r.publish(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) publish(ctx context.Context, ev event) {
	if err := r.q.Publish(ctx, ev.topic, ev.payload); err != nil {
		r.log.Warn().Err(err).Str("topic", ev.topic).Msg("publish event")
	}
}
