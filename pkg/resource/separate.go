// pkg/resource/separate.go
package resource

import (
	"github.com/twinfer/coap-exerciser/pkg/payload"
)

// SeparateResource simulates a resource whose value is not available
// immediately. The first GET computes the value, raises the ready flag and
// asks for a separate response; the GET that finds the flag raised emits the
// value and lowers the flag again.
type SeparateResource struct {
	Descriptor

	compute     func() []byte
	content     []byte
	ready       bool
	resetOnLast bool
}

// NewSeparateResource creates a delayed resource. With resetOnLast the flag
// stays raised until the final block of a multi-block reply went out.
func NewSeparateResource(desc Descriptor, compute func() []byte, resetOnLast bool) *SeparateResource {
	return &SeparateResource{
		Descriptor:  desc,
		compute:     compute,
		resetOnLast: resetOnLast,
	}
}

func (r *SeparateResource) Get(dst []byte, blk *payload.Block) (int, payload.Result) {
	if !r.ready {
		r.content = r.compute()
		r.ready = true
		return 0, payload.ResultSendSeparate
	}

	n, res := payload.ReadBlock(r.content, dst, blk)
	if !r.resetOnLast || res != payload.ResultSendBlock {
		r.ready = false
	}
	return n, res
}

func (r *SeparateResource) Ready() bool {
	return r.ready
}
