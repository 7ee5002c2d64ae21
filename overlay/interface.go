package overlay

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

//go:generate mockgen -typed -package=overlay -destination=./mocks.go -source=./interface.go

// Session is a running replication session on an outbound connection.
type Session interface {
	// Done is closed when the session ended.
	Done() <-chan struct{}
	// Err is the unexpected error the session ended with.
	Err() error
	// Established reports whether the remote answered on the session.
	Established() bool
	Close() error
}

// Dialer opens outbound sessions. The context bounds only the dial, the
// session runs until it is closed or fails.
type Dialer interface {
	Dial(ctx context.Context, info peer.AddrInfo) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, info peer.AddrInfo) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, info peer.AddrInfo) (Session, error) {
	return f(ctx, info)
}
