package exception

import "github.com/yanun0323/errors"

// Dispatcher errors
var (
	ErrUnknownNetwork = errors.New("dispatch: unknown network")
	ErrUnknownDex     = errors.New("dispatch: unknown dex")
	ErrUnknownKind    = errors.New("dispatch: unknown kind")
	ErrUnknownSession = errors.New("dispatch: unknown session")
	ErrMailboxFull    = errors.New("dispatch: session mailbox full")
	ErrDispatcherDown = errors.New("dispatch: dispatcher stopped")
)
