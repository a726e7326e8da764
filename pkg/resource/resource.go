// pkg/resource/resource.go
package resource

import (
	"encoding/binary"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"

	"github.com/twinfer/coap-exerciser/pkg/payload"
)

// NotifyPolicy selects how an observable resource pushes its periodic
// updates once Max-Age elapses.
type NotifyPolicy int

const (
	NotifyNever NotifyPolicy = iota
	NotifyNON
	NotifyCON
)

func (p NotifyPolicy) String() string {
	switch p {
	case NotifyNON:
		return "non"
	case NotifyCON:
		return "con"
	default:
		return "never"
	}
}

// MessageType returns the CoAP message type used for notifications.
func (p NotifyPolicy) MessageType() message.Type {
	if p == NotifyCON {
		return message.Confirmable
	}
	return message.NonConfirmable
}

type ObserveConfig struct {
	Observable bool
	Notify     NotifyPolicy
}

// Descriptor holds the attributes every resource carries.
type Descriptor struct {
	URI           string
	Title         string
	ContentFormat message.MediaType
	ETag          []byte
	MaxAge        time.Duration
	Observe       ObserveConfig

	version uint32
}

// Desc gives embedding types the Resource method set.
func (d *Descriptor) Desc() *Descriptor {
	return d
}

// RegenerateETag advances the representation version and, when the
// resource uses ETags, derives a new one from it.
func (d *Descriptor) RegenerateETag() {
	d.version++
	if d.ETag != nil {
		d.ETag = binary.BigEndian.AppendUint32(d.ETag[:0], d.version)
	}
}

// Version is the number of representation changes seen so far.
func (d *Descriptor) Version() uint32 {
	return d.version
}

// Resource is the minimal capability: a named descriptor. The operations
// below are optional; a resource that lacks one answers 4.05.
type Resource interface {
	Desc() *Descriptor
}

type Getter interface {
	Get(dst []byte, blk *payload.Block) (int, payload.Result)
}

type Putter interface {
	Put(p []byte, blk *payload.Block, last bool) payload.Result
}

type Poster interface {
	Post(p []byte, blk *payload.Block, last bool) payload.Result
}

type Deleter interface {
	Delete() payload.Result
}

// Deferred resources answer their first GET with a separate response.
type Deferred interface {
	Ready() bool
}

// Observable resources are advanced by the tick once their Max-Age elapses.
type Observable interface {
	Resource
	LastUpdate() time.Time
	Advance(now time.Time)
}

// Pusher is the engine side of the tick: it delivers late replies and
// observe notifications.
type Pusher interface {
	PushSeparate(r Resource)
	Notify(r Resource, typ message.Type)
}

func newETag() []byte {
	return make([]byte, 4)
}
