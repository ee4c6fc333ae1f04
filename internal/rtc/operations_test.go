/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationsRunInOrder(t *testing.T) {
	o := newOperations()

	var mutex sync.Mutex
	var seen []int
	for i := 0; i < 10; i++ {
		i := i
		o.Enqueue(func() {
			mutex.Lock()
			seen = append(seen, i)
			mutex.Unlock()
		})
	}
	o.Done()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestOperationsExecuteReturnsResult(t *testing.T) {
	o := newOperations()

	opErr := errors.New("op failed")
	err := o.Execute(func() error {
		return opErr
	})
	assert.Equal(t, opErr, err)

	err = o.Execute(func() error {
		return nil
	})
	assert.NoError(t, err)
}

func TestOperationsExecuteWaitsForEarlierWork(t *testing.T) {
	o := newOperations()

	release := make(chan struct{})
	var order []string
	var mutex sync.Mutex
	o.Enqueue(func() {
		<-release
		mutex.Lock()
		order = append(order, "first")
		mutex.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Execute(func() error {
			mutex.Lock()
			order = append(order, "second")
			mutex.Unlock()
			return nil
		})
	}()

	close(release)
	<-done

	require.Equal(t, []string{"first", "second"}, order)
}

func TestOperationsClosedRejectsWork(t *testing.T) {
	o := newOperations()
	o.GracefulClose()
	o.GracefulClose() // Idempotent.

	err := o.Execute(func() error {
		t.Fatal("operation ran on closed chain")
		return nil
	})
	assert.ErrorIs(t, err, ErrClosed)
}
