package breaker

import (
	"errors"
	"time"

	"chatsync/pkg/apperr"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Settings struct {
	Name        string
	MaxFailures uint32
	Timeout     time.Duration
	// Ignore lists errors that mean the store answered. They never count
	// as failures.
	Ignore []error
}

// Guard fails calls fast while the backing store keeps failing.
type Guard struct {
	cb *gobreaker.CircuitBreaker
}

func NewGuard(s Settings, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	ignore := s.Ignore

	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			for _, target := range ignore {
				if errors.Is(err, target) {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Guard{cb: gobreaker.NewCircuitBreaker(st)}
}

// Do runs fn through the breaker. An open breaker yields StorageUnavailable.
func (g *Guard) Do(fn func() error) error {
	_, err := Execute(g, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func Execute[T any](g *Guard, fn func() (T, error)) (T, error) {
	if g == nil {
		return fn()
	}
	out, err := g.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, apperr.StorageUnavailable(err)
		}
		v, _ := out.(T)
		return v, err
	}
	v, _ := out.(T)
	return v, nil
}

func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}
