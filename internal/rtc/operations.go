/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"container/list"
	"sync"
)

// operation bundles the work to run with an abort callback which fires
// instead when the chain shuts down before the work was reached.
type operation struct {
	run   func()
	abort func()
}

// operations executes enqueued functions strictly one after another. It is
// used to serialize negotiation affecting calls on a connection so a request
// always waits for the prior one to settle before it runs.
type operations struct {
	mutex  sync.Mutex
	busyCh chan struct{}
	ops    *list.List
	closed bool
}

func newOperations() *operations {
	return &operations{
		ops: list.New(),
	}
}

// Enqueue adds op to the chain. If the chain is idle, execution starts
// immediately in a new goroutine. Operations enqueued after GracefulClose
// are dropped.
func (o *operations) Enqueue(op func()) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.tryEnqueue(operation{run: op})
}

// Execute adds op to the chain and blocks until it ran, returning its
// result. When the chain is closed before op runs, ErrClosed is returned
// without running op.
func (o *operations) Execute(op func() error) error {
	errCh := make(chan error, 1)
	o.mutex.Lock()
	enqueued := o.tryEnqueue(operation{
		run: func() {
			errCh <- op()
		},
		abort: func() {
			errCh <- ErrClosed
		},
	})
	o.mutex.Unlock()
	if !enqueued {
		return ErrClosed
	}
	return <-errCh
}

func (o *operations) tryEnqueue(op operation) bool {
	if op.run == nil || o.closed {
		return false
	}
	o.ops.PushBack(op)

	if o.busyCh == nil {
		o.busyCh = make(chan struct{})
		go o.run()
	}

	return true
}

// Done blocks until all currently enqueued operations finished executing.
func (o *operations) Done() {
	var wg sync.WaitGroup
	wg.Add(1)
	o.mutex.Lock()
	enqueued := o.tryEnqueue(operation{run: wg.Done, abort: wg.Done})
	o.mutex.Unlock()
	if !enqueued {
		return
	}
	wg.Wait()
}

// GracefulClose lets the running chain finish and rejects all further
// operations. It is safe to call multiple times.
func (o *operations) GracefulClose() {
	o.mutex.Lock()
	if o.closed {
		o.mutex.Unlock()
		return
	}
	o.closed = true
	busyCh := o.busyCh
	o.mutex.Unlock()
	if busyCh == nil {
		return
	}
	<-busyCh
}

func (o *operations) pop() (operation, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	element := o.ops.Front()
	if element == nil {
		return operation{}, false
	}
	o.ops.Remove(element)
	op, ok := element.Value.(operation)
	return op, ok
}

func (o *operations) run() {
	defer func() {
		o.mutex.Lock()
		defer o.mutex.Unlock()
		close(o.busyCh)
		if o.ops.Len() == 0 || o.closed {
			// Anything which slipped in during shutdown must still
			// release its waiter.
			for element := o.ops.Front(); element != nil; element = element.Next() {
				if op, ok := element.Value.(operation); ok && op.abort != nil {
					op.abort()
				}
			}
			o.ops.Init()
			o.busyCh = nil
			return
		}
		// More work was enqueued while finishing up.
		o.busyCh = make(chan struct{})
		go o.run()
	}()

	for {
		op, ok := o.pop()
		if !ok {
			return
		}
		op.run()
	}
}
