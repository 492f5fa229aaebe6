package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// commandRateLimit is the number of switch commands accepted per
// minute. Anything beyond it is dropped and counted.
const commandRateLimit = 30

// route is the OnPublishReceived hook. It reports whether the message
// was a switch command; commands are rate limited and queued for the
// publish loop so the paho callback never blocks on broker round trips.
func (p *Publisher) route(topic string, payload []byte) bool {
	feature, ok := p.featureFromTopic(topic)
	if !ok {
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return false
	}
	if !p.limiter.allow() {
		return true
	}
	select {
	case p.commands <- command{feature: feature, payload: append([]byte(nil), payload...)}:
	default:
		p.logger.Warn("mqtt command queue full, dropping command", "feature", feature)
	}
	return true
}

// messageRateLimiter counts inbound messages per interval and rejects
// those over the limit. Lock-free on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counters every interval until ctx is cancelled,
// reporting any drops.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	if dropped := r.dropped.Swap(0); dropped > 0 {
		r.logger.Warn("mqtt commands dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
