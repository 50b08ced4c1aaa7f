package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestStartStream(t *testing.T) {
	errDial := errors.New("dial refused")
	errStop := errors.New("writer stop")

	tests := []struct {
		name       string
		startErr   error
		workerErr  error
		wantErrs   []error
		wantExited bool
	}{
		{name: "success leaves group running", wantExited: false},
		{name: "failure waits for group", startErr: errDial, wantErrs: []error{errDial}, wantExited: true},
		{name: "failure joins group error", startErr: errDial, workerErr: errStop, wantErrs: []error{errDial, errStop}, wantExited: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)

			var exited atomic.Bool
			g.Go(func() error {
				<-gctx.Done()
				exited.Store(true)
				return tt.workerErr
			})

			err := startStream(g, cancel, func() error { return tt.startErr })

			if len(tt.wantErrs) == 0 && err != nil {
				t.Fatalf("startStream() error = %v", err)
			}
			for _, want := range tt.wantErrs {
				if !errors.Is(err, want) {
					t.Errorf("startStream() error = %v, want %v in chain", err, want)
				}
			}
			if got := exited.Load(); got != tt.wantExited {
				t.Errorf("worker exited = %v, want %v", got, tt.wantExited)
			}

			cancel()
			_ = g.Wait()
		})
	}
}
