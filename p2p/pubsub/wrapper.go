package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// ErrNotRegistered is returned when publishing to a topic without a handler.
var ErrNotRegistered = errors.New("pubsub: topic is not registered")

// GossipPubSub is a wrapper around gossip protocol.
type GossipPubSub struct {
	logger *zap.Logger
	pubsub *pubsub.PubSub
	host   host.Host

	mu     sync.RWMutex
	topics map[string]*pubsub.Topic
}

// Register handler for topic. A topic can be registered only once.
func (ps *GossipPubSub) Register(topic string, handler GossipHandler) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, exist := ps.topics[topic]; exist {
		return fmt.Errorf("topic %s is already registered", topic)
	}
	self := ps.host.ID()
	err := ps.pubsub.RegisterTopicValidator(
		topic,
		func(ctx context.Context, pid peer.ID, msg *pubsub.Message) pubsub.ValidationResult {
			if pid == self {
				// local messages are already applied by the publisher
				return pubsub.ValidationAccept
			}
			start := time.Now()
			err := handler(ctx, pid, msg.Data)
			observe(topic, err, start)
			switch {
			case err == nil:
				return pubsub.ValidationAccept
			case errors.Is(err, ErrValidationReject):
				ps.logger.Debug("dropping peer that sent invalid message",
					zap.String("topic", topic),
					zap.Stringer("peer", pid),
					zap.Error(err),
				)
				if err := ps.host.Network().ClosePeer(pid); err != nil {
					ps.logger.Debug("failed to close peer", zap.Stringer("peer", pid), zap.Error(err))
				}
				return pubsub.ValidationReject
			default:
				ps.logger.Debug("topic validation failed", zap.String("topic", topic), zap.Error(err))
				return pubsub.ValidationIgnore
			}
		},
	)
	if err != nil {
		return fmt.Errorf("register validator for %s: %w", topic, err)
	}
	topich, err := ps.pubsub.Join(topic)
	if err != nil {
		ps.pubsub.UnregisterTopicValidator(topic)
		return fmt.Errorf("failed to join a topic %s: %w", topic, err)
	}
	if _, err := topich.Relay(); err != nil {
		topich.Close()
		ps.pubsub.UnregisterTopicValidator(topic)
		return fmt.Errorf("failed to enable relay for topic %s: %w", topic, err)
	}
	ps.topics[topic] = topich
	return nil
}

// Publish message to the topic.
func (ps *GossipPubSub) Publish(ctx context.Context, topic string, msg []byte) error {
	ps.mu.RLock()
	topich := ps.topics[topic]
	ps.mu.RUnlock()
	if topich == nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, topic)
	}
	if err := topich.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to topic %v: %w", topic, err)
	}
	return nil
}

// ProtocolPeers returns list of peers that are subscribed to a given topic.
func (ps *GossipPubSub) ProtocolPeers(topic string) []peer.ID {
	return ps.pubsub.ListPeers(topic)
}
