package exception

import "github.com/yanun0323/errors"

// Bus errors
var (
	ErrBusUnavailable   = errors.New("bus: unavailable")
	ErrBusClosed        = errors.New("bus: closed")
	ErrUnknownPartition = errors.New("bus: unknown partition")
)
