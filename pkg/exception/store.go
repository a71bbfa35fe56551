package exception

import "github.com/yanun0323/errors"

// Store errors
var (
	ErrPersistence = errors.New("store: write failed")
	ErrNilStore    = errors.New("store: nil client")
)
