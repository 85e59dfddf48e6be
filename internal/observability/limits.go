package observability

import (
	"sync"

	"go.uber.org/zap"
)

// LimitObserver logs rate-limit rejections per client and raises an alert line on
// every tenth consecutive rejection.
type LimitObserver struct {
	logger  *zap.Logger
	metrics *Metrics

	mu         sync.Mutex
	denyCounts map[string]int64
}

func NewLimitObserver(logger *zap.Logger, metrics *Metrics) *LimitObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LimitObserver{
		logger:     logger,
		metrics:    metrics,
		denyCounts: make(map[string]int64),
	}
}

func (o *LimitObserver) RecordAllow(clientID string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	delete(o.denyCounts, clientID)
	o.mu.Unlock()
}

func (o *LimitObserver) RecordDeny(clientID, route string, retryAfter int) {
	if o == nil {
		return
	}
	o.mu.Lock()
	o.denyCounts[clientID]++
	count := o.denyCounts[clientID]
	o.mu.Unlock()

	o.metrics.RateLimited(route)
	o.logger.Info("rate limited",
		zap.String("client", clientID),
		zap.String("route", route),
		zap.Int("retry_after", retryAfter),
		zap.Int64("count", count))
	if count%10 == 0 {
		o.logger.Warn("repeated rate limit denials", zap.String("client", clientID), zap.Int64("count", count))
	}
}

// Denials returns the current consecutive denial count for a client.
func (o *LimitObserver) Denials(clientID string) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.denyCounts[clientID]
}
