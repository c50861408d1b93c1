package events

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

// NewLocalBus returns the in-process bus the CLI subscribes its display to.
// Publish returns only after every subscriber acked, so events are shown in
// order with the calls that caused them.
func NewLocalBus(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            16,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
}

// NewRedisStreamPublisher publishes session events to Redis Streams, one
// stream per topic, so other devices and services can follow the session.
func NewRedisStreamPublisher(
	client redis.UniversalClient,
	logger watermill.LoggerAdapter,
) (message.Publisher, error) {
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: client,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
	}
	return pub, nil
}

// Tee publishes every message to each publisher in turn. A failing publisher
// does not stop the others; all errors are returned joined.
type Tee []message.Publisher

func (t Tee) Publish(topic string, messages ...*message.Message) error {
	var errs []error
	for _, p := range t {
		copies := make([]*message.Message, len(messages))
		for i, msg := range messages {
			copies[i] = msg.Copy()
		}
		if err := p.Publish(topic, copies...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Close() error {
	var errs []error
	for _, p := range t {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
