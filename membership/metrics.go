package membership

import "github.com/spacemeshos/go-collab/metrics"

const subsystem = "membership"

var (
	gossipSent = metrics.NewCounter(
		"gossip_sent",
		subsystem,
		"Number of membership gossip messages published by kind",
		[]string{"kind"},
	)
	gossipReceived = metrics.NewCounter(
		"gossip_received",
		subsystem,
		"Number of membership gossip messages received by kind",
		[]string{"kind"},
	)
	membersGauge = metrics.NewGauge(
		"members",
		subsystem,
		"Number of members in the last updated collaboration",
		[]string{},
	).WithLabelValues()
)
