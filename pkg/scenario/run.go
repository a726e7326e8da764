// pkg/scenario/run.go
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrObserveTimeout = errors.New("observe session timed out")

// Run drives the sequence against eng until every iteration is done or ctx
// is cancelled. All driver state is touched from this goroutine only;
// notifications are handed over on a channel.
func Run(ctx context.Context, d *Driver, eng Engine) (Summary, error) {
	iterations := d.opts.Iterations
	if iterations <= 0 {
		iterations = 1
	}

	for i := 0; i < iterations; i++ {
		if i > 0 {
			d.NextIteration()
		}
		for !d.Done() {
			if err := ctx.Err(); err != nil {
				return d.Summary(), err
			}

			req, ok := d.BuildNextRequest()
			if !ok {
				if d.Done() {
					break
				}
				return d.Summary(), fmt.Errorf("driver stalled at case %s", d.Index())
			}

			if req.Observe {
				runObserve(ctx, d, eng, req)
				continue
			}
			d.HandleResult(do(ctx, d, eng, req))
		}
	}
	return d.Summary(), nil
}

func do(ctx context.Context, d *Driver, eng Engine, req *Request) *Response {
	if d.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.RequestTimeout)
		defer cancel()
	}

	resp, err := eng.Do(ctx, req)
	if err != nil {
		return &Response{Err: fmt.Errorf("%s failed: %w", req, err)}
	}
	return resp
}

func runObserve(ctx context.Context, d *Driver, eng Engine, req *Request) {
	notifications := make(chan *Response, max(d.opts.NotificationBuffer, 1))
	obs, err := eng.Observe(ctx, req, func(r *Response) {
		select {
		case notifications <- r:
		default:
			if d.logger != nil {
				d.logger.Warn("Observe notification dropped: buffer full")
			}
		}
	})
	if err != nil {
		d.ObserveFailed(err)
		return
	}
	d.ObserveStarted()

	defer func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := obs.Cancel(cancelCtx); err != nil && d.logger != nil {
			d.logger.Debugf("Observation cleanup: %v", err)
		}
	}()

	var timeout <-chan time.Time
	if d.opts.ObserveTimeout > 0 {
		timer := time.NewTimer(d.opts.ObserveTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for d.Observing() {
		select {
		case <-ctx.Done():
			d.HandleObserveEnd(true)
			return
		case <-timeout:
			if d.logger != nil {
				d.logger.Warnf("%v after %d notifications", ErrObserveTimeout, d.session.Notifications())
			}
			d.HandleObserveEnd(true)
			return
		case r := <-notifications:
			if r.ObserveEnd {
				d.HandleObserveEnd(true)
				return
			}
			if cancel := d.HandleNotification(r); cancel != nil {
				d.HandleResult(do(ctx, d, eng, cancel))
			}
		}
	}
}
