package orchestrator

import (
	"context"
	"time"
)

type result[T any] struct {
	val *T
	err error
}

// hedge runs primary and starts secondary once delay has passed or primary
// came back empty. A primary answer always wins, even when secondary finished
// first. Errors from primary are treated as an empty answer; the returned
// error is secondary's.
func hedge[P, S any](
	ctx context.Context,
	delay time.Duration,
	primary func(context.Context) (*P, error),
	secondary func(context.Context) (*S, error),
) (*P, *S, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	primaryCh := make(chan result[P], 1)
	go func() {
		v, err := primary(ctx)
		primaryCh <- result[P]{val: v, err: err}
	}()

	var (
		secondaryCh   chan result[S]
		secondaryDone *result[S]
		primaryEmpty  bool
	)
	start := func() {
		if secondary == nil || secondaryCh != nil || secondaryDone != nil {
			return
		}
		secondaryCh = make(chan result[S], 1)
		ch := secondaryCh
		go func() {
			v, err := secondary(ctx)
			ch <- result[S]{val: v, err: err}
		}()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	timerC := timer.C

	for {
		select {
		case r := <-primaryCh:
			if r.err == nil && r.val != nil {
				return r.val, nil, nil
			}
			primaryEmpty = true
			primaryCh = nil
			if secondary == nil {
				return nil, nil, nil
			}
			if secondaryDone != nil {
				return nil, secondaryDone.val, secondaryDone.err
			}
			start()
		case <-timerC:
			timerC = nil
			start()
		case r := <-secondaryCh:
			secondaryCh = nil
			if primaryEmpty {
				return nil, r.val, r.err
			}
			secondaryDone = &r
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}
