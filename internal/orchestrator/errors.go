package orchestrator

import "errors"

var (
	ErrClosed            = errors.New("orchestrator closed")
	ErrKeyRequired       = errors.New("run key required")
	ErrOperationRequired = errors.New("run operation required")
)
