// Package pubsub wraps gossipsub with handlers that validate and consume
// messages of a topic in one step.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-collab/hash"
)

// ErrValidationReject is returned by handlers for malformed messages.
// Peers that sent such messages are disconnected.
var ErrValidationReject = errors.New("pubsub: validation reject")

// DefaultConfig for PubSub.
func DefaultConfig() Config {
	return Config{
		Flood:             true,
		MaxMessageSize:    2 << 20,
		OutboundQueueSize: 1024,
		ValidateQueueSize: 1024,
	}
}

// Config for PubSub.
type Config struct {
	Flood             bool `mapstructure:"flood"`
	MaxMessageSize    int  `mapstructure:"max-message-size"`
	OutboundQueueSize int  `mapstructure:"outbound-queue-size"`
	ValidateQueueSize int  `mapstructure:"validate-queue-size"`
}

// GossipHandler consumes a message received from a peer. Returned error
// stops the message from being relayed.
type GossipHandler = func(context.Context, peer.ID, []byte) error

// New creates PubSub instance.
func New(ctx context.Context, logger *zap.Logger, h host.Host, cfg Config) (*GossipPubSub, error) {
	ps, err := pubsub.NewGossipSub(ctx, h, getOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gossipsub instance: %w", err)
	}
	return &GossipPubSub{
		logger: logger,
		pubsub: ps,
		host:   h,
		topics: map[string]*pubsub.Topic{},
	}, nil
}

func msgID(msg *pb.Message) string {
	h := hash.Sum([]byte(msg.GetTopic()), msg.Data)
	return string(h[:])
}

func getOptions(cfg Config) []pubsub.Option {
	options := []pubsub.Option{
		pubsub.WithFloodPublish(cfg.Flood),
		pubsub.WithMessageIdFn(msgID),
		pubsub.WithNoAuthor(),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictNoSign),
	}
	if cfg.OutboundQueueSize != 0 {
		options = append(options, pubsub.WithPeerOutboundQueueSize(cfg.OutboundQueueSize))
	}
	if cfg.ValidateQueueSize != 0 {
		options = append(options, pubsub.WithValidateQueueSize(cfg.ValidateQueueSize))
	}
	if cfg.MaxMessageSize != 0 {
		options = append(options, pubsub.WithMaxMessageSize(cfg.MaxMessageSize))
	}
	return options
}

func castResult(err error) string {
	switch {
	case err == nil:
		return "accept"
	case errors.Is(err, ErrValidationReject):
		return "reject"
	default:
		return "ignore"
	}
}

func observe(topic string, err error, start time.Time) {
	processed.WithLabelValues(topic, castResult(err)).Observe(time.Since(start).Seconds())
}
