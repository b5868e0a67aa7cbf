package cluster

import "errors"

var (
	ErrNoGateway  = errors.New("cluster: nil Gateway")
	ErrNoRegistry = errors.New("cluster: nil Registry")
)
