package worker

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/internal/logging"
	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
)

var (
	streamPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "specforge",
		Subsystem: "worker",
		Name:      "stream_pending",
		Help:      "Delivered but unacknowledged job messages for the consumer group.",
	}, []string{"stream"})
	streamLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "specforge",
		Subsystem: "worker",
		Name:      "stream_lag",
		Help:      "Job messages not yet delivered to the consumer group.",
	}, []string{"stream"})
	streamOldestIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "specforge",
		Subsystem: "worker",
		Name:      "stream_oldest_idle_seconds",
		Help:      "Idle time of the oldest pending job message.",
	}, []string{"stream"})
)

// LagReader reports consumer group lag. Implemented by *streams.Consumer.
type LagReader interface {
	LagMetrics(ctx context.Context, stream string) (streams.LagMetrics, error)
}

// MonitorLag samples group lag every interval until ctx is done.
func MonitorLag(ctx context.Context, src LagReader, stream string, interval time.Duration, logger *zap.Logger) {
	logger = logging.OrNop(logger).Named("lag")
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sampleLag(ctx, src, stream, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sampleLag(ctx context.Context, src LagReader, stream string, logger *zap.Logger) {
	m, err := src.LagMetrics(ctx, stream)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("read stream lag failed", zap.String("stream", stream), zap.Error(err))
		}
		return
	}
	streamPending.WithLabelValues(stream).Set(float64(m.Pending))
	streamLag.WithLabelValues(stream).Set(float64(m.Lag))
	streamOldestIdle.WithLabelValues(stream).Set(m.OldestIdle.Seconds())
	if m.OldestIdle > 0 {
		logger.Debug("stream lag",
			zap.String("stream", stream),
			zap.Int64("pending", m.Pending),
			zap.Int64("lag", m.Lag),
			zap.Duration("oldest_idle", m.OldestIdle))
	}
}
