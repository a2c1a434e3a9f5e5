package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"notification-relay/internal/config"
	"notification-relay/internal/dispatch"
	"notification-relay/internal/observability"
	"notification-relay/pkg/wire"
)

// Dispatcher is the part of the event dispatcher the consumer needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev wire.Event) (dispatch.Result, error)
}

// Consumer feeds domain events published by the REST backend into the
// dispatcher.
type Consumer struct {
	url        string
	cfg        config.AMQPEvents
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func NewConsumer(url string, cfg config.AMQPEvents, dispatcher Dispatcher, logger zerolog.Logger) *Consumer {
	return &Consumer{
		url:        url,
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "amqp_consumer").Logger(),
	}
}

// Run consumes until ctx is cancelled, reconnecting with exponential backoff
// when the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	if c.url == "" {
		c.logger.Info().Msg("domain event consumer disabled: empty amqp url")
		<-ctx.Done()
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	op := func() error {
		err := c.consume(ctx, policy)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("domain event consumer interrupted")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context, policy backoff.BackOff) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return errors.Wrap(err, "dial amqp")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	if err := declareTopicExchange(ch, c.cfg.Exchange); err != nil {
		return errors.Wrap(err, "declare exchange")
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "declare queue")
	}
	for _, key := range c.cfg.RoutingKeys {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return errors.Wrapf(err, "bind %s", key)
		}
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return errors.Wrap(err, "set qos")
	}

	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}

	policy.Reset()
	c.logger.Info().Str("queue", q.Name).Strs("routing_keys", c.cfg.RoutingKeys).Msg("consuming domain events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.Handle(ctx, d)
		}
	}
}

// Handle dispatches one delivery. Malformed and invalid events are rejected
// without requeue; everything else is acknowledged, including events nobody
// was subscribed to.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) {
	var ev wire.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.reject(d, "malformed", err)
		return
	}

	res, err := c.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		c.reject(d, "invalid", err)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error().Err(err).Msg("ack failed")
	}
	observability.IncAMQPConsumed("dispatched")
	c.logger.Debug().
		Str("routing_key", d.RoutingKey).
		Str("event_id", res.EventID).
		Int("delivered", res.Delivered).
		Msg("domain event dispatched")
}

func (c *Consumer) reject(d amqp.Delivery, outcome string, err error) {
	observability.IncAMQPConsumed(outcome)
	c.logger.Warn().Err(err).Str("routing_key", d.RoutingKey).Str("outcome", outcome).Msg("domain event rejected")
	if nackErr := d.Nack(false, false); nackErr != nil {
		c.logger.Error().Err(nackErr).Msg("nack failed")
	}
}
