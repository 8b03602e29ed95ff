package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newQueue() *queue.InMemoryQueue {
	q := queue.NewInMemoryQueue(zerolog.Nop())
	q.RetryDelay = time.Millisecond
	return q
}

func TestInMemoryQueueRetriesUntilSuccess(t *testing.T) {
	q := newQueue()
	defer q.Close()

	var calls atomic.Int32
	done := make(chan []byte, 1)
	require.NoError(t, q.Subscribe("jobs", func(_ context.Context, body []byte) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		done <- body
		return nil
	}))

	require.NoError(t, q.Publish(context.Background(), "jobs", map[string]int{"id": 7}))

	select {
	case body := <-done:
		assert.JSONEq(t, `{"id":7}`, string(body))
	case <-time.After(2 * time.Second):
		t.Fatal("handler never succeeded")
	}
	assert.EqualValues(t, 3, calls.Load())
}

func TestInMemoryQueueGivesUpAfterMaxRetries(t *testing.T) {
	q := newQueue()
	q.MaxRetries = 2

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("jobs", func(context.Context, []byte) error {
		calls.Add(1)
		return errors.New("always")
	}))
	require.NoError(t, q.Publish(context.Background(), "jobs", 1))

	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, q.Close())
	assert.EqualValues(t, 3, calls.Load())
}

func TestInMemoryQueueFansOutToAllSubscribers(t *testing.T) {
	q := newQueue()

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		require.NoError(t, q.Subscribe("jobs", func(context.Context, []byte) error {
			wg.Done()
			return nil
		}))
	}
	require.NoError(t, q.Publish(context.Background(), "jobs", "x"))
	wg.Wait()
	require.NoError(t, q.Close())
}

func TestInMemoryQueueRejectsUnknownTopicAndClosed(t *testing.T) {
	q := newQueue()
	assert.Error(t, q.Publish(context.Background(), "nobody", 1))

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Subscribe("jobs", func(context.Context, []byte) error { return nil }), queue.ErrClosed)
	assert.ErrorIs(t, q.Publish(context.Background(), "jobs", 1), queue.ErrClosed)
}

func TestCloseAbortsPendingRetries(t *testing.T) {
	q := newQueue()
	q.RetryDelay = time.Hour

	started := make(chan struct{}, 1)
	require.NoError(t, q.Subscribe("jobs", func(context.Context, []byte) error {
		started <- struct{}{}
		return errors.New("fail")
	}))
	require.NoError(t, q.Publish(context.Background(), "jobs", 1))
	<-started

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on retry backoff")
	}
}

func TestRecorderPublishesToTopics(t *testing.T) {
	q := newQueue()
	defer q.Close()

	records := make(chan model.ErrorRecord, 1)
	variants := make(chan model.VariantChoice, 1)
	require.NoError(t, q.Subscribe(queue.TopicErrorRecords, func(_ context.Context, body []byte) error {
		var rec model.ErrorRecord
		assert.NoError(t, json.Unmarshal(body, &rec))
		records <- rec
		return nil
	}))
	require.NoError(t, q.Subscribe(queue.TopicVariants, func(_ context.Context, body []byte) error {
		var v model.VariantChoice
		assert.NoError(t, json.Unmarshal(body, &v))
		variants <- v
		return nil
	}))

	rec := queue.NewRecorder(q, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(stopped)
	}()

	rec.RecordError(ctx, model.ErrorRecord{CampaignID: 4, ErrorType: "TIMEOUT", ErrorMessage: "slow", RetryCount: 2})
	rec.RecordVariants(ctx, model.VariantChoice{CampaignID: 4, RecipientID: 9, Variants: []string{"Hi"}})

	got := <-records
	assert.Equal(t, int64(4), got.CampaignID)
	assert.Equal(t, "TIMEOUT", got.ErrorType)
	assert.Equal(t, 2, got.RetryCount)
	v := <-variants
	assert.Equal(t, []string{"Hi"}, v.Variants)

	cancel()
	<-stopped
}

func TestRecorderDropsWhenBufferIsFull(t *testing.T) {
	q := newQueue()
	defer q.Close()

	var got atomic.Int32
	require.NoError(t, q.Subscribe(queue.TopicErrorRecords, func(context.Context, []byte) error {
		got.Add(1)
		return nil
	}))

	rec := queue.NewRecorder(q, 1, zerolog.Nop())
	rec.RecordError(context.Background(), model.ErrorRecord{CampaignID: 1})
	rec.RecordError(context.Background(), model.ErrorRecord{CampaignID: 2})

	// Run with an already cancelled context only drains the buffer.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	require.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
}
