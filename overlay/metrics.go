package overlay

import "github.com/spacemeshos/go-collab/metrics"

const subsystem = "overlay"

var (
	connections = metrics.NewGauge(
		"connections",
		subsystem,
		"Number of replication connections by direction",
		[]string{"direction"},
	)
	inboundConnections  = connections.WithLabelValues("inbound")
	outboundConnections = connections.WithLabelValues("outbound")

	dials = metrics.NewCounter(
		"dials",
		subsystem,
		"Number of outbound dials by outcome",
		[]string{"outcome"},
	)
	dialSucceeded = dials.WithLabelValues("ok")
	dialFailed    = dials.WithLabelValues("failed")
	dialCanceled  = dials.WithLabelValues("canceled")

	evictions = metrics.NewCounter(
		"evictions",
		subsystem,
		"Number of peers evicted after being unreachable",
		[]string{},
	).WithLabelValues()
)
