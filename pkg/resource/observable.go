// pkg/resource/observable.go
package resource

import (
	"time"

	"github.com/twinfer/coap-exerciser/pkg/payload"
)

// ObservableResource carries a counter that the tick advances every time
// its Max-Age elapses. The representation is rendered from the counter.
type ObservableResource struct {
	Descriptor

	value      uint32
	lastUpdate time.Time
	render     func(value uint32) []byte
	onAdvance  func(value uint32)
}

func NewObservableResource(desc Descriptor, render func(value uint32) []byte) *ObservableResource {
	desc.Observe.Observable = true
	r := &ObservableResource{Descriptor: desc, render: render}
	if r.ETag != nil {
		r.RegenerateETag()
	}
	return r
}

// OnAdvance registers a hook called with the new value after each advance.
func (r *ObservableResource) OnAdvance(fn func(value uint32)) {
	r.onAdvance = fn
}

func (r *ObservableResource) Get(dst []byte, blk *payload.Block) (int, payload.Result) {
	return payload.ReadBlock(r.render(r.value), dst, blk)
}

func (r *ObservableResource) Value() uint32 {
	return r.value
}

func (r *ObservableResource) LastUpdate() time.Time {
	return r.lastUpdate
}

// Advance increments the value and records the update time. The zero
// time only arms the Max-Age clock.
func (r *ObservableResource) Advance(now time.Time) {
	if r.lastUpdate.IsZero() {
		r.lastUpdate = now
		return
	}
	r.value++
	r.lastUpdate = now
	if r.onAdvance != nil {
		r.onAdvance(r.value)
	}
}
