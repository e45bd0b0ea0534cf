package breaker

import (
	"context"
	"sync"

	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/deadletter/clog"
	"github.com/ceyewan/deadletter/metrics"
	"github.com/ceyewan/deadletter/xerrors"
)

type circuitBreaker struct {
	cfg      *Config
	logger   clog.Logger
	fallback FallbackFunc
	success  func(err error) bool

	requests metrics.Counter
	changes  metrics.Counter

	breakers sync.Map // map[string]*gobreaker.CircuitBreaker[any]
}

func newBreaker(cfg *Config, o *options) *circuitBreaker {
	cb := &circuitBreaker{
		cfg:      cfg,
		logger:   o.logger,
		fallback: o.fallback,
		success:  o.isSuccessful,
	}
	cb.requests, _ = o.meter.Counter(MetricRequestsTotal, "Requests passing through the circuit breaker")
	cb.changes, _ = o.meter.Counter(MetricStateChanges, "Circuit breaker state transitions")
	if cb.requests == nil {
		cb.requests, _ = metrics.Discard().Counter(MetricRequestsTotal, "")
	}
	if cb.changes == nil {
		cb.changes, _ = metrics.Discard().Counter(MetricStateChanges, "")
	}

	cb.logger.Info("circuit breaker created",
		clog.Int("max_requests", int(cfg.MaxRequests)),
		clog.Duration("timeout", cfg.Timeout),
		clog.Float64("failure_ratio", cfg.FailureRatio),
		clog.Int("minimum_requests", int(cfg.MinimumRequests)))
	return cb
}

func (cb *circuitBreaker) Execute(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	if key == "" {
		return nil, ErrKeyEmpty
	}

	result, err := cb.get(key).Execute(fn)
	if err == nil {
		cb.requests.Inc(ctx, metrics.L(LabelKey, key), metrics.L(LabelResult, ResultSuccess))
		return result, nil
	}

	if xerrors.Is(err, gobreaker.ErrOpenState) || xerrors.Is(err, gobreaker.ErrTooManyRequests) {
		cb.requests.Inc(ctx, metrics.L(LabelKey, key), metrics.L(LabelResult, ResultRejected))
		cb.logger.Debug("request rejected by circuit breaker", clog.String("key", key))
		if cb.fallback != nil {
			return nil, cb.fallback(ctx, key, ErrOpenState)
		}
		return nil, ErrOpenState
	}

	cb.requests.Inc(ctx, metrics.L(LabelKey, key), metrics.L(LabelResult, ResultFailure))
	return result, err
}

func (cb *circuitBreaker) State(key string) (State, error) {
	if key == "" {
		return StateClosed, ErrKeyEmpty
	}
	val, ok := cb.breakers.Load(key)
	if !ok {
		return StateClosed, nil
	}
	return fromGobreaker(val.(*gobreaker.CircuitBreaker[any]).State()), nil
}

func (cb *circuitBreaker) get(key string) *gobreaker.CircuitBreaker[any] {
	if val, ok := cb.breakers.Load(key); ok {
		return val.(*gobreaker.CircuitBreaker[any])
	}

	settings := gobreaker.Settings{
		Name:          key,
		MaxRequests:   cb.cfg.MaxRequests,
		Interval:      cb.cfg.Interval,
		Timeout:       cb.cfg.Timeout,
		ReadyToTrip:   cb.readyToTrip,
		OnStateChange: cb.onStateChange,
		IsSuccessful:  cb.success,
	}
	actual, _ := cb.breakers.LoadOrStore(key, gobreaker.NewCircuitBreaker[any](settings))
	return actual.(*gobreaker.CircuitBreaker[any])
}

func (cb *circuitBreaker) readyToTrip(counts gobreaker.Counts) bool {
	if counts.Requests < cb.cfg.MinimumRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= cb.cfg.FailureRatio
}

func (cb *circuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	fromState, toState := fromGobreaker(from).String(), fromGobreaker(to).String()
	cb.changes.Inc(context.Background(),
		metrics.L(LabelKey, name), metrics.L(LabelFromState, fromState), metrics.L(LabelToState, toState))

	log := cb.logger.Info
	if to == gobreaker.StateOpen {
		log = cb.logger.Warn
	}
	log("circuit breaker state changed",
		clog.String("key", name), clog.String("from", fromState), clog.String("to", toState))
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}
