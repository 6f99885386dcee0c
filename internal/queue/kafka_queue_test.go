package queue

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"image-upload-pipeline/internal/config"
)

func TestParseHeaders(t *testing.T) {
	nb := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	attempt, notBefore := parseHeaders([]kafka.Header{
		{Key: headerAttempt, Value: []byte("3")},
		{Key: headerNotBefore, Value: []byte(strconv.FormatInt(nb.UnixMilli(), 10))},
	})
	if attempt != 3 || !notBefore.Equal(nb) {
		t.Fatalf("attempt=%d notBefore=%v", attempt, notBefore)
	}

	attempt, notBefore = parseHeaders(nil)
	if attempt != 1 || !notBefore.IsZero() {
		t.Fatalf("defaults attempt=%d notBefore=%v", attempt, notBefore)
	}
}

// memPartition is a single in-memory partition with one consumer group.
type memPartition struct {
	mu        sync.Mutex
	log       []kafka.Message
	next      int
	committed int64
}

func (m *memPartition) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		msg.Offset = int64(len(m.log))
		m.log = append(m.log, msg)
	}
	return nil
}

func (m *memPartition) FetchMessage(ctx context.Context) (kafka.Message, error) {
	m.mu.Lock()
	if m.next < len(m.log) {
		msg := m.log[m.next]
		m.next++
		m.mu.Unlock()
		return msg, nil
	}
	m.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *memPartition) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg.Offset+1 > m.committed {
			m.committed = msg.Offset + 1
		}
	}
	return nil
}

func (m *memPartition) Close() error { return nil }

// afterRestart returns a partition a new group member would read: everything after the
// committed offset.
func (m *memPartition) afterRestart() *memPartition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memPartition{log: m.log, next: int(m.committed), committed: m.committed}
}

func newMemKafkaQueue(p *memPartition, now func() time.Time) *KafkaQueue {
	return &KafkaQueue{
		writer:    p,
		dlqWriter: &memPartition{},
		reader:    p,
		topic:     "uploads",
		dlqTopic:  "uploads-dlq",
		poll:      20 * time.Millisecond,
		now:       now,
	}
}

func receiveOne(t *testing.T, q *KafkaQueue) Delivery {
	t.Helper()
	d, ok, err := q.Receive(context.Background())
	if err != nil || !ok {
		t.Fatalf("receive ok=%v err=%v", ok, err)
	}
	return d
}

func TestKafkaQueueAbandonedJobSurvivesLaterCommit(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	p := &memPartition{}
	q := newMemKafkaQueue(p, func() time.Time { return clock })
	_ = q.Enqueue(ctx, "stuck")
	_ = q.Enqueue(ctx, "quick")

	stuck := receiveOne(t, q)
	quick := receiveOne(t, q)
	if stuck.UploadID != "stuck" || quick.UploadID != "quick" {
		t.Fatalf("unexpected order %s %s", stuck.UploadID, quick.UploadID)
	}
	if err := q.Abandon(ctx, stuck, 30*time.Second); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if err := q.Ack(ctx, quick); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// a restarted member resumes after the committed offset and still finds the job
	q = newMemKafkaQueue(p.afterRestart(), func() time.Time { return clock })
	if _, ok, _ := q.Receive(ctx); ok {
		t.Fatalf("abandoned job redelivered before its redelivery delay")
	}
	clock = clock.Add(31 * time.Second)
	d := receiveOne(t, q)
	if d.UploadID != "stuck" || d.Attempt != 2 {
		t.Fatalf("expected stuck attempt 2 got %+v", d)
	}
}

func TestKafkaQueueReceiveDefersRetryNotDue(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	p := &memPartition{}
	q := newMemKafkaQueue(p, func() time.Time { return clock })
	_ = p.WriteMessages(ctx, kafka.Message{
		Value: []byte("later"),
		Headers: []kafka.Header{
			{Key: headerAttempt, Value: []byte("2")},
			{Key: headerNotBefore, Value: []byte(strconv.FormatInt(clock.Add(10*time.Minute).UnixMilli(), 10))},
		},
	})

	start := time.Now()
	if _, ok, err := q.Receive(ctx); ok || err != nil {
		t.Fatalf("retry not due should not be delivered: ok=%v err=%v", ok, err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("receive held the slot while waiting for a retry")
	}
	if p.committed != 1 || len(p.log) != 2 {
		t.Fatalf("expected deferred message re-published and committed, log=%d committed=%d", len(p.log), p.committed)
	}
	attempt, notBefore := parseHeaders(p.log[1].Headers)
	if attempt != 2 || !notBefore.Equal(clock.Add(10*time.Minute).Truncate(time.Millisecond)) {
		t.Fatalf("deferred headers changed: attempt=%d notBefore=%v", attempt, notBefore)
	}

	clock = clock.Add(10 * time.Minute)
	d := receiveOne(t, q)
	if d.UploadID != "later" || d.Attempt != 2 {
		t.Fatalf("unexpected delivery %+v", d)
	}
}

func TestKafkaQueueAckRejectsForeignDelivery(t *testing.T) {
	q := newMemKafkaQueue(&memPartition{}, time.Now)
	if err := q.Ack(context.Background(), Delivery{UploadID: "x", Attempt: 1}); err == nil {
		t.Fatalf("expected error acking a delivery without a kafka message")
	}
}

// TestKafkaQueueRoundTrip runs against a broker when TEST_KAFKA_BROKERS is set.
func TestKafkaQueueRoundTrip(t *testing.T) {
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}
	topic := "uploads-test-" + uuid.NewString()[:8]
	cfg := config.Config{
		KafkaBrokers:       strings.Split(brokers, ","),
		KafkaGroupID:       "test-" + topic,
		QueueName:          topic,
		DLQName:            topic + "-dlq",
		WorkerPollInterval: 10 * time.Second,
	}
	q := NewKafkaQueue(cfg)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := q.Enqueue(ctx, "k-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var d Delivery
	for {
		var ok bool
		var err error
		d, ok, err = q.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if ok {
			break
		}
	}
	if d.UploadID != "k-1" || d.Attempt != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if err := q.Retry(ctx, d, 0); err != nil {
		t.Fatalf("retry: %v", err)
	}
	for {
		next, ok, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("receive retry: %v", err)
		}
		if ok {
			if next.Attempt != 2 {
				t.Fatalf("expected attempt 2 got %d", next.Attempt)
			}
			_ = q.Ack(ctx, next)
			return
		}
	}
}
