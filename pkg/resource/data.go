// pkg/resource/data.go
package resource

import (
	"github.com/twinfer/coap-exerciser/pkg/payload"
)

// DataResource is a block-wise readable and writable resource backed by a
// fixed-capacity buffer.
type DataResource struct {
	Descriptor

	backing []byte
	length  int
}

// NewDataResource creates a resource with the given capacity and initial
// content. Content beyond the capacity is cut off.
func NewDataResource(desc Descriptor, capacity int, initial []byte) *DataResource {
	r := &DataResource{
		Descriptor: desc,
		backing:    make([]byte, capacity),
	}
	r.length = copy(r.backing, initial)
	if r.ETag != nil {
		r.RegenerateETag()
	}
	return r
}

func (r *DataResource) Get(dst []byte, blk *payload.Block) (int, payload.Result) {
	return payload.ReadBlock(r.backing[:r.length], dst, blk)
}

func (r *DataResource) Put(p []byte, blk *payload.Block, last bool) payload.Result {
	res := payload.WriteBlock(r.backing, &r.length, p, blk, last)
	if res == payload.ResultOK {
		r.RegenerateETag()
	}
	return res
}

// Content returns a copy of the committed representation.
func (r *DataResource) Content() []byte {
	return append([]byte(nil), r.backing[:r.length]...)
}

// Len is the committed length.
func (r *DataResource) Len() int {
	return r.length
}

// Capacity is the size of the backing buffer.
func (r *DataResource) Capacity() int {
	return len(r.backing)
}

// TestResource is the general purpose "test" resource: POST behaves like
// PUT and DELETE is acknowledged without removing anything.
type TestResource struct {
	*DataResource
}

func NewTestResource(desc Descriptor, capacity int, initial []byte) *TestResource {
	return &TestResource{DataResource: NewDataResource(desc, capacity, initial)}
}

func (r *TestResource) Post(p []byte, blk *payload.Block, last bool) payload.Result {
	return r.Put(p, blk, last)
}

func (r *TestResource) Delete() payload.Result {
	return payload.ResultDeleteKeep
}

// StaticResource only supports GET.
type StaticResource struct {
	Descriptor

	content []byte
}

func NewStaticResource(desc Descriptor, content []byte) *StaticResource {
	r := &StaticResource{Descriptor: desc, content: content}
	if r.ETag != nil {
		r.RegenerateETag()
	}
	return r
}

func (r *StaticResource) Get(dst []byte, blk *payload.Block) (int, payload.Result) {
	return payload.ReadBlock(r.content, dst, blk)
}
