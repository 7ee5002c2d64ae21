package collab

import (
	"github.com/spacemeshos/go-collab/metrics"
)

const subsystem = "collab"

var (
	deltasApplied = metrics.NewCounter(
		"deltas",
		subsystem,
		"Number of deltas by outcome",
		[]string{"outcome"},
	)
	statesApplied = metrics.NewCounter(
		"states_applied",
		subsystem,
		"Number of remote full states that advanced the local clock",
		[]string{},
	).WithLabelValues()
	gossipReceived = metrics.NewCounter(
		"gossip_received",
		subsystem,
		"Number of gossip messages received by outcome",
		[]string{"outcome"},
	)
)
