package server

import (
	"net"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const limiterCacheSize = 4096

// RateLimit is a token bucket per remote IP. A zero PerSecond disables it.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

type limiter struct {
	cfg     RateLimit
	buckets *lru.Cache[string, *rate.Limiter]
}

func newLimiter(cfg RateLimit) *limiter {
	if cfg.PerSecond <= 0 {
		return &limiter{}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	buckets, _ := lru.New[string, *rate.Limiter](limiterCacheSize)
	return &limiter{cfg: cfg, buckets: buckets}
}

func (l *limiter) allow(remote string) bool {
	if l.buckets == nil {
		return true
	}

	key := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		key = host
	}

	bkt, ok := l.buckets.Get(key)
	if !ok {
		fresh := rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)
		if prev, found, _ := l.buckets.PeekOrAdd(key, fresh); found {
			bkt = prev
		} else {
			bkt = fresh
		}
	}
	return bkt.Allow()
}

func (l *limiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.RemoteAddr) {
			metricRateLimited.Inc()
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
