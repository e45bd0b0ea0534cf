package ratelimit

import "github.com/ceyewan/deadletter/xerrors"

var (
	ErrKeyEmpty     = xerrors.New("ratelimit: key is empty")
	ErrInvalidLimit = xerrors.New("ratelimit: invalid limit")
	ErrClosed       = xerrors.New("ratelimit: limiter is closed")
)
