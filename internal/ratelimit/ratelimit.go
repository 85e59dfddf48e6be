package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client, refilled at rpm/60 tokens per second with a burst of rpm.
type Limiter struct {
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*client
}

func New() *Limiter {
	return &Limiter{
		now:     func() time.Time { return time.Now().UTC() },
		clients: make(map[string]*client),
	}
}

// Allow consumes one token for clientID. When denied it returns the number of seconds
// until a token becomes available. A non-positive rpm disables limiting.
func (l *Limiter) Allow(clientID string, rpm int) (bool, int) {
	if rpm <= 0 {
		return true, 0
	}
	if clientID == "" {
		return false, 60
	}

	now := l.now()
	limit := rate.Limit(float64(rpm) / 60.0)

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[clientID]
	if !ok {
		c = &client{limiter: rate.NewLimiter(limit, rpm)}
		l.clients[clientID] = c
	} else if c.limiter.Limit() != limit || c.limiter.Burst() != rpm {
		c.limiter.SetLimitAt(now, limit)
		c.limiter.SetBurstAt(now, rpm)
	}
	c.lastSeen = now

	reservation := c.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 60
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	retry := int(math.Ceil(delay.Round(time.Millisecond).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return false, retry
}

// Sweep drops clients unseen for longer than idle and reports how many were removed.
// A bucket idle that long has refilled anyway, so forgetting it changes no decision.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
