package exception

import "github.com/yanun0323/errors"

// Session errors
var (
	ErrUnauthorized  = errors.New("session: unauthorized")
	ErrSessionClosed = errors.New("session: closed")
)
