package binding

import (
	"context"
	"time"

	"github.com/mesh-intelligence/notebooksync/pkg/types"
)

// delayer is a single-worker debounce queue. Triggers collapse into a
// one-slot channel; each trigger (re)arms the timer and the worker runs one
// write when it fires. Writes run on the worker goroutine only, so at most
// one is in flight, and a trigger that arrives mid-write stays in the slot
// and arms a fresh timer once the write returns.
type delayer struct {
	delay   time.Duration
	run     func(ctx context.Context) error
	onError func(error)
	ready   <-chan struct{} // writes wait until this is closed

	triggers chan struct{}
	flushes  chan flushRequest
	stop     chan struct{}
	done     chan struct{}
}

type flushRequest struct {
	ctx   context.Context
	reply chan error
}

func newDelayer(delay time.Duration, ready <-chan struct{}, run func(ctx context.Context) error, onError func(error)) *delayer {
	d := &delayer{
		delay:    delay,
		run:      run,
		onError:  onError,
		ready:    ready,
		triggers: make(chan struct{}, 1),
		flushes:  make(chan flushRequest),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

// trigger schedules a write. It never blocks.
func (d *delayer) trigger() {
	select {
	case d.triggers <- struct{}{}:
	default:
	}
}

// flush cancels the pending timer, runs one write on the worker and returns
// its result.
func (d *delayer) flush(ctx context.Context) error {
	req := flushRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case d.flushes <- req:
	case <-d.done:
		return types.ErrBindingDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the worker after any in-flight write and waits for it to exit.
func (d *delayer) close() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
}

func (d *delayer) loop() {
	defer close(d.done)

	var timer *time.Timer
	var fire <-chan time.Time
	disarm := func() {
		if timer != nil {
			timer.Stop()
		}
		fire = nil
	}
	defer disarm()

	for {
		select {
		case <-d.stop:
			return

		case <-d.triggers:
			disarm()
			timer = time.NewTimer(d.delay)
			fire = timer.C

		case <-fire:
			fire = nil
			if d.waitReady(context.Background()) != nil {
				return
			}
			if err := d.run(context.Background()); err != nil {
				d.onError(err)
			}

		case req := <-d.flushes:
			disarm()
			// A queued trigger is satisfied by this flush.
			drained := false
			select {
			case <-d.triggers:
				drained = true
			default:
			}
			if err := d.waitReady(req.ctx); err != nil {
				req.reply <- err
				if err == types.ErrBindingDisposed {
					return
				}
				if drained {
					d.trigger()
				}
				continue
			}
			req.reply <- d.run(req.ctx)
		}
	}
}

// waitReady blocks until ready is closed, the delayer stops, or ctx ends.
func (d *delayer) waitReady(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-d.stop:
		return types.ErrBindingDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}
