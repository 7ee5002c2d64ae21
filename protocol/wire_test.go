package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/stretchr/testify/require"

	"github.com/spacemeshos/go-collab/codec"
	"github.com/spacemeshos/go-collab/common/types"
	"github.com/spacemeshos/go-collab/vclock"
)

func TestPullMessageOptionalClock(t *testing.T) {
	for _, tc := range []struct {
		desc string
		msg  PullMessage
	}{
		{"absent", PullMessage{StartLazy: true, Pinner: PinnerYes}},
		{"empty", PullMessage{Clock: vclock.New(), Pinner: PinnerNo}},
		{"full", PullMessage{Clock: vclock.Clock{"a": 1, "b": 7}, StartEager: true}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			var decoded PullMessage
			require.NoError(t, codec.Decode(codec.MustEncode(&tc.msg), &decoded))
			require.Equal(t, tc.msg.Clock == nil, decoded.Clock == nil)
			require.True(t, vclock.IsIdentical(tc.msg.Clock, decoded.Clock))
			require.Equal(t, tc.msg.StartLazy, decoded.StartLazy)
			require.Equal(t, tc.msg.StartEager, decoded.StartEager)
			require.Equal(t, tc.msg.Pinner, decoded.Pinner)
		})
	}
}

func TestPushMessage(t *testing.T) {
	clock := vclock.Clock{"a": 2}
	deltas := []types.DeltaRecord{{
		Previous: vclock.Clock{"a": 1},
		Author:   vclock.Clock{"a": 1},
		Type:     "rga",
		Payload:  []byte{1, 2, 3},
	}}
	state := &types.FullState{
		Clock:  clock,
		States: []types.NamedState{{Name: "", Type: "rga", Data: []byte{4}}},
	}

	only := PushMessage{Clock: clock}
	require.True(t, only.ClockOnly())
	require.Equal(t, "clock", pushKind(&only))

	withDeltas := PushMessage{Clock: clock, Deltas: deltas}
	require.False(t, withDeltas.ClockOnly())
	var decoded PushMessage
	require.NoError(t, codec.Decode(codec.MustEncode(&withDeltas), &decoded))
	require.Nil(t, decoded.State)
	require.Len(t, decoded.Deltas, 1)
	require.Equal(t, deltas[0].Payload, decoded.Deltas[0].Payload)
	require.Equal(t, deltas[0].Clock(), decoded.Deltas[0].Clock())

	withState := PushMessage{Clock: clock, State: state}
	decoded = PushMessage{}
	require.NoError(t, codec.Decode(codec.MustEncode(&withState), &decoded))
	require.NotNil(t, decoded.State)
	require.Empty(t, decoded.Deltas)
	require.Equal(t, state.States, decoded.State.States)
	require.False(t, decoded.ClockOnly())
}

func TestIsExpectedNetworkError(t *testing.T) {
	for _, tc := range []struct {
		err      error
		expected bool
	}{
		{nil, true},
		{io.EOF, true},
		{fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{io.ErrClosedPipe, true},
		{network.ErrReset, true},
		{&net.OpError{Op: "read", Err: net.ErrClosed}, true},
		{context.Canceled, true},
		{context.DeadlineExceeded, true},
		{errors.New("decode: invalid"), false},
		{fmt.Errorf("delta batch: %w", errors.New("disk")), false},
	} {
		t.Run(fmt.Sprint(tc.err), func(t *testing.T) {
			require.Equal(t, tc.expected, IsExpectedNetworkError(tc.err))
		})
	}
}

func TestRemoteNeedsUpdate(t *testing.T) {
	require.False(t, remoteNeedsUpdate(vclock.New(), vclock.New(), "r"))
	require.True(t, remoteNeedsUpdate(vclock.Clock{"a": 1}, vclock.New(), "r"))
	require.False(t, remoteNeedsUpdate(vclock.Clock{"a": 1}, vclock.Clock{"a": 2}, "r"))
	// remote never receives its own writes back
	require.False(t, remoteNeedsUpdate(vclock.Clock{"r": 3}, vclock.Clock{"r": 1}, "r"))
	require.True(t, remoteNeedsUpdate(vclock.Clock{"r": 3, "a": 2}, vclock.Clock{"a": 1}, "r"))
}
