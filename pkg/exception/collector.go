package exception

import "github.com/yanun0323/errors"

// Collector errors
var (
	ErrTransport        = errors.New("collector: transport failure")
	ErrSubscribeRefused = errors.New("collector: feed refused subscription")
	ErrBadNotification  = errors.New("collector: malformed notification")
)
