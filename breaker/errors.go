package breaker

import "github.com/ceyewan/deadletter/xerrors"

var (
	ErrConfigNil     = xerrors.New("breaker: config is nil")
	ErrInvalidConfig = xerrors.New("breaker: failure_ratio must be within [0, 1]")
	ErrKeyEmpty      = xerrors.New("breaker: key is empty")

	// ErrOpenState 熔断器处于打开状态，或半开状态下探测名额已用完
	ErrOpenState = xerrors.New("breaker: circuit breaker is open")
)
