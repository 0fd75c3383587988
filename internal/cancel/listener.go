// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package cancel provides a goroutine that races a context against a
// blocking I/O call so that connection reads and writes can be aborted
// promptly when their caller's context is cancelled.
package cancel

import "context"

// Listener races ctx.Done() against a blocking operation. Callers start a
// Listen goroutine before issuing the blocking call and call StopListening
// once it returns.
type Listener struct {
	done chan struct{}
}

// NewListener constructs a Listener.
func NewListener() *Listener {
	return &Listener{done: make(chan struct{})}
}

// Listen blocks until ctx is done or StopListening is called. If ctx is
// cancelled (not merely deadline-exceeded), abortFn is invoked to interrupt
// the in-progress operation. Listen always blocks until StopListening is
// called, even after ctx expires, so that the caller can safely synchronize
// shutdown of the operation it is racing.
func (l *Listener) Listen(ctx context.Context, abortFn func()) {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			abortFn()
		}
		<-l.done
	case <-l.done:
	}
}

// StopListening ends an in-progress Listen call. It blocks if no Listen
// call is currently running.
func (l *Listener) StopListening() {
	l.done <- struct{}{}
}
