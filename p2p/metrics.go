package p2p

import "github.com/spacemeshos/go-collab/metrics"

var connections = metrics.NewGauge(
	"connections",
	"p2p",
	"Number of libp2p connections by direction",
	[]string{"direction"},
)
