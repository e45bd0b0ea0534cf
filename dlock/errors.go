package dlock

import "github.com/ceyewan/deadletter/xerrors"

var (
	ErrConnectorNil    = xerrors.New("dlock: connector is nil")
	ErrKeyEmpty        = xerrors.New("dlock: key is empty")
	ErrLockNotHeld     = xerrors.New("dlock: lock not held")
	ErrLockAlreadyHeld = xerrors.New("dlock: lock already held locally")
	ErrOwnershipLost   = xerrors.New("dlock: ownership lost")
)
