// Package protocol implements the replication protocol that runs on every
// overlay connection. The dialing side pushes local data, the listening side
// pulls it. A pusher is either eager, sending deltas or state as soon as the
// remote lacks them, or lazy, sending only its clock. The puller switches the
// pusher between modes depending on whether the data it receives is new.
package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/spacemeshos/go-collab/common/types"
	"github.com/spacemeshos/go-collab/vclock"
)

// ErrDeltasTrimmed is returned by Shared.DeltaBatch when retained deltas are
// not enough to bring the remote up to date.
var ErrDeltasTrimmed = errors.New("protocol: deltas trimmed")

// Shared is the local replica as seen by the protocol.
type Shared interface {
	Clock() vclock.Clock
	// Subscribe returns a channel that is notified after local clock changes.
	Subscribe() (<-chan struct{}, func())
	DeltaBatch(since vclock.Clock) ([]types.DeltaRecord, error)
	FullState() (*types.FullState, error)
	// ApplyDeltas returns true if any delta advanced the local clock.
	ApplyDeltas(ctx context.Context, deltas []types.DeltaRecord) (bool, error)
	// ApplyState returns true if the state advanced the local clock.
	ApplyState(ctx context.Context, state *types.FullState) (bool, error)
}

// Tracker observes clocks flowing through sessions.
type Tracker interface {
	Receiving(peer.ID, vclock.Clock)
	Received(peer.ID, vclock.Clock)
	Sending(peer.ID, vclock.Clock)
	Sent(peer.ID, vclock.Clock, bool)
}

type nopTracker struct{}

func (nopTracker) Receiving(peer.ID, vclock.Clock)  {}
func (nopTracker) Received(peer.ID, vclock.Clock)   {}
func (nopTracker) Sending(peer.ID, vclock.Clock)    {}
func (nopTracker) Sent(peer.ID, vclock.Clock, bool) {}

// Config for sessions.
type Config struct {
	// PushDebounce is the window for batching local changes before a push.
	PushDebounce time.Duration `mapstructure:"push-debounce"`
	// PinnerPushDebounce is used instead of PushDebounce if the remote is a pinner.
	PinnerPushDebounce time.Duration `mapstructure:"pinner-push-debounce"`
	// PullWait is how long the puller waits for an advertised clock to
	// arrive through other connections before asking for eager push.
	PullWait time.Duration `mapstructure:"pull-wait"`
	// MaxPendingWaits bounds the number of distinct clocks waited on.
	MaxPendingWaits int `mapstructure:"max-pending-waits"`
	MaxMessageSize  int `mapstructure:"max-message-size"`
	// InboundRate and InboundBurst limit the rate of accepted inbound sessions.
	InboundRate  float64 `mapstructure:"inbound-rate"`
	InboundBurst int     `mapstructure:"inbound-burst"`
	// Pinner announces the local node as a pinner to pushers.
	Pinner bool `mapstructure:"pinner"`
}

// DefaultConfig for sessions.
func DefaultConfig() Config {
	return Config{
		PushDebounce:       200 * time.Millisecond,
		PinnerPushDebounce: 5 * time.Second,
		PullWait:           3 * time.Second,
		MaxPendingWaits:    64,
		MaxMessageSize:     32 << 20,
		InboundRate:        20,
		InboundBurst:       50,
	}
}

// IsExpectedNetworkError is true for errors that end a session without
// indicating a local failure.
func IsExpectedNetworkError(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, network.ErrReset),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// remoteNeedsUpdate is true if local has an entry the remote lacks. The
// remote's own entry is skipped, a replica is never asked to receive its own
// writes back.
func remoteNeedsUpdate(local, remote vclock.Clock, self string) bool {
	for id, v := range local {
		if id == self {
			continue
		}
		if v > remote.Get(id) {
			return true
		}
	}
	return false
}
