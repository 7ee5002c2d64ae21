package protocol

import (
	"github.com/spacemeshos/go-collab/metrics"
)

const subsystem = "protocol"

var (
	sessions = metrics.NewGauge(
		"sessions",
		subsystem,
		"Number of running sessions by side",
		[]string{"side"},
	)
	messages = metrics.NewCounter(
		"messages",
		subsystem,
		"Number of messages by side, direction and kind",
		[]string{"side", "direction", "kind"},
	)
	bytesTotal = metrics.NewCounter(
		"bytes",
		subsystem,
		"Number of bytes exchanged by side and direction",
		[]string{"side", "direction"},
	)
	rejectedInbound = metrics.NewCounter(
		"rejected_inbound",
		subsystem,
		"Number of inbound sessions rejected by the rate limiter",
		[]string{},
	).WithLabelValues()

	pushSessions = sessions.WithLabelValues("push")
	pullSessions = sessions.WithLabelValues("pull")
)

func pushKind(m *PushMessage) string {
	switch {
	case m.State != nil:
		return "state"
	case len(m.Deltas) > 0:
		return "deltas"
	default:
		return "clock"
	}
}

func pullKind(m *PullMessage) string {
	switch {
	case m.StartEager:
		return "eager"
	case m.StartLazy:
		return "lazy"
	default:
		return "clock"
	}
}
