package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"image-upload-pipeline/internal/config"
)

const (
	headerAttempt   = "attempt"
	headerNotBefore = "not_before"
	headerReason    = "reason"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue carries upload ids over a Kafka topic. Committing an offset is the ack; retries are
// re-published with a not-before header and dead letters go to a separate topic.
// There is no per-message visibility timeout, so ExtendLease is a no-op and an abandoned
// delivery is re-published through Abandon before its offset is committed.
type KafkaQueue struct {
	writer    messageWriter
	dlqWriter messageWriter
	reader    messageReader
	topic     string
	dlqTopic  string
	poll      time.Duration
	now       func() time.Time

	mu sync.Mutex
}

var (
	_ Enqueuer  = (*KafkaQueue)(nil)
	_ Consumer  = (*KafkaQueue)(nil)
	_ Abandoner = (*KafkaQueue)(nil)
)

// NewKafkaProducer returns a queue that can only enqueue, for the API process.
func NewKafkaProducer(cfg config.Config) *KafkaQueue {
	return &KafkaQueue{
		writer: newWriter(cfg.KafkaBrokers, cfg.QueueName),
		topic:  cfg.QueueName,
		now:    time.Now,
	}
}

// NewKafkaQueue returns a queue that consumes with the configured group and can re-publish.
func NewKafkaQueue(cfg config.Config) *KafkaQueue {
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &KafkaQueue{
		writer:    newWriter(cfg.KafkaBrokers, cfg.QueueName),
		dlqWriter: newWriter(cfg.KafkaBrokers, cfg.DLQName),
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.QueueName,
			GroupID:  cfg.KafkaGroupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		topic:    cfg.QueueName,
		dlqTopic: cfg.DLQName,
		poll:     poll,
		now:      time.Now,
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func (k *KafkaQueue) Enqueue(ctx context.Context, uploadID string) error {
	return k.publish(ctx, k.writer, k.topic, uploadID, 1, time.Time{}, "")
}

func (k *KafkaQueue) publish(ctx context.Context, w messageWriter, topic, uploadID string, attempt int, notBefore time.Time, reason string) error {
	headers := []kafka.Header{{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))}}
	if !notBefore.IsZero() {
		headers = append(headers, kafka.Header{Key: headerNotBefore, Value: []byte(strconv.FormatInt(notBefore.UnixMilli(), 10))})
	}
	if reason != "" {
		headers = append(headers, kafka.Header{Key: headerReason, Value: []byte(reason)})
	}
	if err := w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(uploadID),
		Value:   []byte(uploadID),
		Headers: headers,
	}); err != nil {
		return fmt.Errorf("write message to %s: %w", topic, err)
	}
	return nil
}

// Receive fetches the next message. It returns ok=false when no message arrives within the poll
// interval, or when the message is a retry that is not due within the poll interval; such a
// message is re-published unchanged and committed so it does not hold a worker slot.
func (k *KafkaQueue) Receive(ctx context.Context) (Delivery, bool, error) {
	if k.reader == nil {
		return Delivery{}, false, errors.New("kafka queue has no reader")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, k.poll)
	defer cancel()

	k.mu.Lock()
	msg, err := k.reader.FetchMessage(fetchCtx)
	k.mu.Unlock()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Delivery{}, false, nil
		}
		return Delivery{}, false, err
	}

	attempt, notBefore := parseHeaders(msg.Headers)
	d := Delivery{UploadID: string(msg.Value), Attempt: attempt, handle: msg}
	wait := notBefore.Sub(k.now())
	if wait > k.poll {
		if err := k.publish(ctx, k.writer, k.topic, d.UploadID, attempt, notBefore, ""); err != nil {
			return Delivery{}, false, fmt.Errorf("defer retry: %w", err)
		}
		if err := k.Ack(ctx, d); err != nil {
			return Delivery{}, false, fmt.Errorf("defer retry: %w", err)
		}
		return Delivery{}, false, nil
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return Delivery{}, false, ctx.Err()
		}
	}
	return d, true, nil
}

func (k *KafkaQueue) Ack(ctx context.Context, d Delivery) error {
	msg, ok := d.handle.(kafka.Message)
	if !ok {
		return fmt.Errorf("delivery %s was not received from kafka", d.UploadID)
	}
	return k.reader.CommitMessages(ctx, msg)
}

// Retry publishes the next attempt and commits the current one.
func (k *KafkaQueue) Retry(ctx context.Context, d Delivery, delay time.Duration) error {
	if err := k.publish(ctx, k.writer, k.topic, d.UploadID, d.Attempt+1, k.now().Add(delay), ""); err != nil {
		return err
	}
	return k.Ack(ctx, d)
}

// Abandon re-publishes the next attempt due after redeliverAfter and commits the current offset,
// so a later commit on the same partition cannot drop the job.
func (k *KafkaQueue) Abandon(ctx context.Context, d Delivery, redeliverAfter time.Duration) error {
	return k.Retry(ctx, d, redeliverAfter)
}

func (k *KafkaQueue) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	if k.dlqWriter == nil {
		return errors.New("kafka queue has no dead letter writer")
	}
	if err := k.publish(ctx, k.dlqWriter, k.dlqTopic, d.UploadID, d.Attempt, time.Time{}, reason); err != nil {
		return err
	}
	return k.Ack(ctx, d)
}

func (k *KafkaQueue) ExtendLease(context.Context, Delivery, time.Duration) error {
	return nil
}

func (k *KafkaQueue) Close() error {
	var errs []error
	for _, w := range []messageWriter{k.writer, k.dlqWriter} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	if k.reader != nil {
		errs = append(errs, k.reader.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("close kafka queue")
		return err
	}
	return nil
}

func parseHeaders(headers []kafka.Header) (attempt int, notBefore time.Time) {
	attempt = 1
	for _, h := range headers {
		switch h.Key {
		case headerAttempt:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				attempt = n
			}
		case headerNotBefore:
			if ms, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
				notBefore = time.UnixMilli(ms)
			}
		}
	}
	return attempt, notBefore
}
