package server

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// limiter is a shared token bucket for the write endpoints. An infinite
// limit disables it.
type limiter struct {
	bucket *rate.Limiter
}

func newLimiter() *limiter {
	return &limiter{bucket: rate.NewLimiter(rate.Inf, 0)}
}

// Set changes the rate. rps <= 0 disables limiting; burst < 1 becomes 1.
func (l *limiter) Set(rps float64, burst int) {
	if rps <= 0 {
		l.bucket.SetLimit(rate.Inf)
		return
	}
	l.bucket.SetBurst(max(burst, 1))
	l.bucket.SetLimit(rate.Limit(rps))
}

// Wrap rejects requests with 429 when the bucket is empty.
func (l *limiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := l.bucket.Reserve()
		if d := res.Delay(); d > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
