package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("amqp publisher is closed")

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one broker connection with its publishing channel. closed fires
// when the broker or the network tears the channel down.
type session struct {
	conn   io.Closer
	ch     channel
	closed <-chan *amqp.Error
}

func (s *session) close() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

type dialFunc func() (*session, error)

// AMQPPublisher publishes persistent JSON messages to a topic exchange, using
// the event type as routing key. A lost connection is re-dialed on the next
// Publish.
type AMQPPublisher struct {
	mu       sync.Mutex
	dial     dialFunc
	sess     *session
	exchange string
	shut     bool
	logger   zerolog.Logger
}

// NewAMQPPublisher dials the broker and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	dial := func() (*session, error) { return dialSession(url, exchange) }
	sess, err := dial()
	if err != nil {
		return nil, err
	}
	p := newPublisher(dial, exchange, logger)
	p.sess = sess
	return p, nil
}

func dialSession(url, exchange string) (*session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	// Channel close notifications also fire when the connection drops.
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	return &session{conn: conn, ch: ch, closed: closed}, nil
}

func newPublisher(dial dialFunc, exchange string, logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		dial:     dial,
		exchange: exchange,
		logger:   logger.With().Str("component", "amqp_publisher").Logger(),
	}
}

// Publish sends evt, filling in ID and OccurredAt when unset.
func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.ID == uuid.Nil {
		evt.ID = uuid.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID.String(),
		Timestamp:    evt.OccurredAt,
		Type:         string(evt.Type),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sess, err := p.liveSession()
	if err != nil {
		return err
	}
	if err := sess.ch.PublishWithContext(ctx, p.exchange, string(evt.Type), false, false, msg); err != nil {
		p.logger.Warn().Err(err).Str("event_type", string(evt.Type)).Msg("publish failed, dropping broker session")
		p.reset()
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// liveSession returns a live session, re-dialing when the previous one closed.
// Callers hold p.mu.
func (p *AMQPPublisher) liveSession() (*session, error) {
	if p.shut {
		return nil, ErrPublisherClosed
	}
	if p.sess != nil {
		select {
		case amqpErr, ok := <-p.sess.closed:
			ev := p.logger.Error()
			if ok && amqpErr != nil {
				ev = ev.Int("code", amqpErr.Code).Str("reason", amqpErr.Reason)
			}
			ev.Msg("broker channel closed")
			p.reset()
		default:
			return p.sess, nil
		}
	}
	sess, err := p.dial()
	if err != nil {
		p.logger.Error().Err(err).Msg("broker reconnect failed")
		return nil, fmt.Errorf("amqp reconnect: %w", err)
	}
	p.logger.Info().Str("exchange", p.exchange).Msg("broker session established")
	p.sess = sess
	return sess, nil
}

func (p *AMQPPublisher) reset() {
	if p.sess != nil {
		p.sess.close()
		p.sess = nil
	}
}

// Close releases the channel and connection. Later publishes fail with
// ErrPublisherClosed.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shut = true
	if p.sess == nil {
		return nil
	}
	var firstErr error
	if p.sess.ch != nil {
		firstErr = p.sess.ch.Close()
	}
	if p.sess.conn != nil {
		if err := p.sess.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.sess = nil
	return firstErr
}
