package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// PushMetrics pushes the default registry to the gateway at url every period
// until the context is canceled.
func PushMetrics(
	ctx context.Context,
	logger *zap.Logger,
	clock clockwork.Clock,
	url string,
	headers map[string]string,
	period time.Duration,
	peerID, app string,
) {
	header := http.Header{}
	for k, v := range headers {
		header.Add(k, v)
	}
	pusher := push.New(url, "go-collab").Gatherer(prometheus.DefaultGatherer).
		Grouping("peer", peerID).
		Grouping("app", app).
		Header(header)
	ticker := clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := pusher.PushContext(ctx); err != nil {
				logger.Warn("failed to push metrics", zap.Error(err))
			}
		}
	}
}
