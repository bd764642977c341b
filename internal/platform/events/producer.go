package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hanko-field/orders/internal/platform/config"
)

const defaultBuffer = 256

// ErrProducerClosed is returned when publishing after Close.
var ErrProducerClosed = errors.New("events: producer closed")

// Writer is the subset of kafka.Writer used by the producer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer buffers messages in memory and writes them from a single goroutine so request
// handlers never wait on the broker.
type Producer struct {
	w      Writer
	inbox  chan kafka.Message
	stop   chan struct{}
	done   chan struct{}
	logger func(context.Context, string, map[string]any)

	mu       sync.RWMutex
	closed   bool
	once     sync.Once
	stopOnce sync.Once
}

// NewKafkaWriter builds the async writer keyed by order id.
func NewKafkaWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
	}
}

// NewProducer wraps the writer with a buffered inbox.
func NewProducer(w Writer, buffer int, logger func(context.Context, string, map[string]any)) *Producer {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Producer{
		w:      w,
		inbox:  make(chan kafka.Message, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the write loop. Cancelling ctx flushes what is buffered and closes the writer.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		for {
			select {
			case <-ctx.Done():
				p.markClosed()
				p.drain()
				return
			case m, ok := <-p.inbox:
				if !ok {
					p.finish()
					return
				}
				p.write(m)
			}
		}
	}()
}

// Publish enqueues a message. It blocks while the inbox is full unless ctx ends first.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	msg := kafka.Message{Key: key, Value: value, Time: time.Now().UTC(), Headers: headers}
	select {
	case p.inbox <- msg:
		return nil
	case <-p.stop:
		return ErrProducerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages, flushes the inbox and waits for the loop to exit.
func (p *Producer) Close() {
	p.markClosed()
	<-p.done
}

func (p *Producer) markClosed() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.inbox)
		p.mu.Unlock()
	})
}

func (p *Producer) drain() {
	for m := range p.inbox {
		p.write(m)
	}
	p.finish()
}

func (p *Producer) finish() {
	if err := p.w.Close(); err != nil {
		p.logger(context.Background(), "events.writer.close.failed", map[string]any{"error": err})
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.logger(ctx, "events.write.failed", map[string]any{"key": string(m.Key), "error": err})
	}
}
