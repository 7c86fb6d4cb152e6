package catalog

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/elonfeng/filmcache/internal/logging"
	"github.com/elonfeng/filmcache/internal/metrics"
)

// newBreaker opens after 60% failures over at least 10 requests in a minute
// and probes again after 30 seconds.
func newBreaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	metrics.CatalogBreakerState.Set(0)

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("catalog circuit breaker state change")
			metrics.CatalogBreakerState.Set(float64(to))
		},
		IsSuccessful: countsAsSuccess,
	})
}

// countsAsSuccess keeps client-side mistakes from tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyBody) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}
