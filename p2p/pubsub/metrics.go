package pubsub

import "github.com/spacemeshos/go-collab/metrics"

var processed = metrics.NewHistogram(
	"processed_seconds",
	"pubsub",
	"Duration of gossip message processing by topic and result",
	[]string{"topic", "result"},
)
