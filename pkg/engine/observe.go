// pkg/engine/observe.go
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	tcpClient "github.com/plgd-dev/go-coap/v3/tcp/client"
	udpClient "github.com/plgd-dev/go-coap/v3/udp/client"

	"github.com/twinfer/coap-exerciser/pkg/payload"
	"github.com/twinfer/coap-exerciser/pkg/scenario"
)

// observation forwards notifications from the connection's goroutine to a
// worker that completes multi-block notifications with ordinary GETs.
type observation struct {
	cancel func(ctx context.Context) error

	queue chan snapshot
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func (o *observation) Cancel(ctx context.Context) error {
	var err error
	o.once.Do(func() {
		close(o.stop)
		if o.cancel != nil {
			err = o.cancel(ctx)
		}
	})
	o.wg.Wait()
	return err
}

func observeOptions(req *scenario.Request) (message.Options, error) {
	var opts message.Options
	if req.BlockSize > 0 {
		v, err := payload.EncodeBlock(0, req.BlockSize, false)
		if err != nil {
			return nil, err
		}
		opts = append(opts, uint32Option(message.Block2, v))
	}
	if req.HasAccept {
		opts = append(opts, uint32Option(message.Accept, uint32(req.Accept)))
	}
	return opts, nil
}

func uint32Option(id message.OptionID, v uint32) message.Option {
	buf := make([]byte, 4)
	n, _ := message.EncodeUint32(buf, v)
	return message.Option{ID: id, Value: buf[:n]}
}

// notification completes a queued notification. Only a notification
// without the Observe option ends the observation; an error code with the
// option still set is delivered as an ordinary notification.
func (c *Client) notification(ctx context.Context, req *scenario.Request, s snapshot) *scenario.Response {
	resp, err := c.complete(ctx, req, s, false)
	if err != nil {
		resp = &scenario.Response{Code: s.code, Err: err}
	}
	resp.Observe = s.observe
	resp.ObserveEnd = !s.observe
	return resp
}

// Observe registers on req.Path. A notification that arrives without the
// Observe option ends the observation and is delivered with ObserveEnd set.
func (c *Client) Observe(ctx context.Context, req *scenario.Request, onNotify func(*scenario.Response)) (scenario.Observation, error) {
	opts, err := observeOptions(req)
	if err != nil {
		return nil, err
	}

	o := &observation{
		queue: make(chan snapshot, 16),
		stop:  make(chan struct{}),
	}
	handler := func(m *pool.Message) {
		s, err := snapshotOf(m)
		if err != nil {
			if c.logger != nil {
				c.logger.Warnf("Dropping unreadable notification for %s: %v", req.Path, err)
			}
			return
		}
		select {
		case o.queue <- s:
		case <-o.stop:
		default:
			if c.logger != nil {
				c.logger.Warnf("Notification queue full for %s, dropping", req.Path)
			}
		}
	}

	switch conn := c.conn.(type) {
	case *udpClient.Conn:
		obs, err := conn.Observe(ctx, req.Path, handler, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to start UDP observe on %s: %w", req.Path, err)
		}
		o.cancel = func(ctx context.Context) error { return obs.Cancel(ctx) }
	case *tcpClient.Conn:
		obs, err := conn.Observe(ctx, req.Path, handler, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to start TCP observe on %s: %w", req.Path, err)
		}
		o.cancel = func(ctx context.Context) error { return obs.Cancel(ctx) }
	default:
		return nil, fmt.Errorf("observe is not supported on connection type %T", c.conn)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.stop:
				return
			case s := <-o.queue:
				onNotify(c.notification(ctx, req, s))
			}
		}
	}()

	if c.logger != nil {
		c.logger.Debugf("Observing %s", req.Path)
	}
	return o, nil
}
