package driver

import (
	"errors"
	"sync/atomic"
	"time"
)

// UnexpectedResponse is returned when a reply cannot be parsed as a valid
// OP_MSG or OP_REPLY body.
var UnexpectedResponse = errors.New("unexpected response from server")

type idCounter struct {
	v int32
}

func newRequestIDCounter() *idCounter {
	return &idCounter{v: int32(time.Now().UnixNano())}
}

func (c *idCounter) next() int32 {
	return atomic.AddInt32(&c.v, 1)
}
