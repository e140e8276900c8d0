package client

import (
	"context"
	"reflect"
)

// Handle is something the caller can wait on before calling
// ContinueGetMulti again.
type Handle struct {
	// Server is the index of the server the handle belongs to.
	Server int
	ch     <-chan struct{}
}

// Ready receives when the handle may have made progress.
func (h Handle) Ready() <-chan struct{} {
	return h.ch
}

// Wait blocks until any handle in readSet or writeSet is ready or ctx is
// done. It returns immediately when both sets are empty.
func Wait(ctx context.Context, readSet, writeSet []Handle) error {
	n := len(readSet) + len(writeSet)
	if n == 0 {
		return nil
	}
	cases := make([]reflect.SelectCase, 0, n+1)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
	for _, set := range [][]Handle{readSet, writeSet} {
		for _, h := range set {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(h.ch)})
		}
	}
	if chosen, _, _ := reflect.Select(cases); chosen == 0 {
		return ctx.Err()
	}
	return nil
}
