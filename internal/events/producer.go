package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/vasiliy-maslov/lumashop-service/internal/config"
)

var ErrProducerClosed = errors.New("events: producer is closed")

const (
	maxBatch     = 100
	writeTimeout = 10 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer queues messages on a bounded channel and writes them to Kafka
// from a single goroutine. Close flushes whatever is still queued.
type Producer struct {
	w     messageWriter
	inbox chan kafka.Message
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("Kafka producer started")
	return newProducer(w, cfg.BufferSize)
}

func newProducer(w messageWriter, buf int) *Producer {
	if buf <= 0 {
		buf = 256
	}
	p := &Producer{
		w:     w,
		inbox: make(chan kafka.Message, buf),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Producer) run() {
	defer close(p.done)

	batch := make([]kafka.Message, 0, maxBatch)
	for m := range p.inbox {
		batch = append(batch[:0], m)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-p.inbox:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		p.write(batch)
	}

	if err := p.w.Close(); err != nil {
		log.Error().Err(err).Msg("events: failed to close kafka writer")
	}
}

func (p *Producer) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := p.w.WriteMessages(ctx, batch...); err != nil {
		log.Error().Err(err).Int("messages", len(batch)).Msg("events: failed to write messages to kafka")
	}
}

// Publish enqueues a message. It blocks only while the queue is full and
// returns ctx.Err() if ctx ends first.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := kafka.Message{Key: key, Value: value, Headers: headers, Time: time.Now()}
	select {
	case p.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages and waits for the queue to drain.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		log.Info().Msg("Kafka producer closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
