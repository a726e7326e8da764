// pkg/resource/table.go
package resource

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/linkformat"
	"github.com/twinfer/coap-exerciser/pkg/payload"
)

// Request is one decoded CoAP request as seen by the table.
type Request struct {
	URI   string
	Block *payload.Block
	// Last marks the final block of a PUT/POST body.
	Last bool

	Accept           message.MediaType
	HasAccept        bool
	ContentFormat    message.MediaType
	HasContentFormat bool
	// Size1 is the announced total body size, 0 when unknown.
	Size1 int
	ETags [][]byte

	Payload []byte
}

// Reply is the table's answer. Data aliases the destination buffer passed
// to Get.
type Reply struct {
	Result        payload.Result
	Data          []byte
	ContentFormat message.MediaType
	ETag          []byte
	MaxAge        time.Duration
	Observable    bool
	// Valid is set when a request ETag matched the current representation.
	Valid bool
	// Created carries the URI of a resource created by POST.
	Created string
}

// Table holds the server's resources by URI. It is not safe for concurrent
// use; the server serialises handlers and the tick.
type Table struct {
	resources map[string]Resource
	order     []string
	factory   *Factory
	logger    *service.Logger
}

func NewTable(logger *service.Logger) *Table {
	return &Table{
		resources: make(map[string]Resource),
		logger:    logger,
	}
}

// SetFactory installs the POST handler used for unknown URIs.
func (t *Table) SetFactory(f *Factory) {
	t.factory = f
}

func (t *Table) Factory() *Factory {
	return t.factory
}

// NormalizeURI strips leading and trailing slashes.
func NormalizeURI(uri string) string {
	return strings.Trim(uri, "/")
}

func (t *Table) Add(r Resource) error {
	uri := NormalizeURI(r.Desc().URI)
	if uri == "" {
		return fmt.Errorf("resource URI cannot be empty")
	}
	if _, exists := t.resources[uri]; exists {
		return fmt.Errorf("resource %s already registered", uri)
	}
	r.Desc().URI = uri
	t.resources[uri] = r
	t.order = append(t.order, uri)
	if t.logger != nil {
		t.logger.Debugf("Registered resource %s", uri)
	}
	return nil
}

func (t *Table) Remove(uri string) bool {
	uri = NormalizeURI(uri)
	if _, exists := t.resources[uri]; !exists {
		return false
	}
	delete(t.resources, uri)
	for i, u := range t.order {
		if u == uri {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if t.logger != nil {
		t.logger.Debugf("Removed resource %s", uri)
	}
	return true
}

func (t *Table) Lookup(uri string) (Resource, bool) {
	r, ok := t.resources[NormalizeURI(uri)]
	return r, ok
}

// Resources returns the resources in registration order.
func (t *Table) Resources() []Resource {
	list := make([]Resource, 0, len(t.order))
	for _, uri := range t.order {
		list = append(list, t.resources[uri])
	}
	return list
}

// Links describes every resource except the discovery resource itself.
func (t *Table) Links() []linkformat.Link {
	links := make([]linkformat.Link, 0, len(t.order))
	for _, r := range t.Resources() {
		if _, isDiscovery := r.(*DiscoveryResource); isDiscovery {
			continue
		}
		d := r.Desc()
		links = append(links, linkformat.Link{
			URI:           d.URI,
			Title:         d.Title,
			ContentFormat: int(d.ContentFormat),
			Observable:    d.Observe.Observable,
		})
	}
	return links
}

func (t *Table) Get(req Request, dst []byte) Reply {
	r, ok := t.Lookup(req.URI)
	if !ok {
		return Reply{Result: payload.ResultNotFound}
	}
	g, ok := r.(Getter)
	if !ok {
		return Reply{Result: payload.ResultNotAllowed}
	}

	d := r.Desc()
	reply := Reply{
		ContentFormat: d.ContentFormat,
		ETag:          d.ETag,
		MaxAge:        d.MaxAge,
		Observable:    d.Observe.Observable,
	}
	if req.HasAccept && req.Accept != d.ContentFormat {
		reply.Result = payload.ResultContentFormatError
		return reply
	}

	_, deferred := r.(Deferred)
	if !deferred && req.Block.Offset() == 0 && d.ETag != nil {
		for _, etag := range req.ETags {
			if bytes.Equal(etag, d.ETag) {
				reply.Valid = true
				reply.Result = payload.ResultOK
				return reply
			}
		}
	}

	n, res := g.Get(dst, req.Block)
	reply.Result = res
	reply.Data = dst[:n]
	return reply
}

func (t *Table) Put(req Request) Reply {
	r, ok := t.Lookup(req.URI)
	if !ok {
		return Reply{Result: payload.ResultNotFound}
	}
	p, ok := r.(Putter)
	if !ok {
		return Reply{Result: payload.ResultNotAllowed}
	}
	return t.write(r, req, p.Put)
}

// Post updates a resource that accepts POST, or asks the factory to create
// one when the URI is unknown.
func (t *Table) Post(req Request) Reply {
	r, ok := t.Lookup(req.URI)
	if ok {
		if dyn, isDynamic := r.(*DynamicResource); isDynamic && dyn.filling && req.Block.Offset() > 0 {
			return t.created(dyn, req)
		}
		p, ok := r.(Poster)
		if !ok {
			return Reply{Result: payload.ResultNotAllowed}
		}
		return t.write(r, req, p.Post)
	}

	if t.factory == nil || req.Block.Offset() != 0 {
		return Reply{Result: payload.ResultNotFound}
	}

	contentFormat := message.TextPlain
	if req.HasContentFormat {
		contentFormat = req.ContentFormat
	}
	length := len(req.Payload)
	if req.Size1 > length {
		length = req.Size1
	}
	created, err := t.factory.CreateOnPost(NormalizeURI(req.URI), length, contentFormat)
	if err != nil {
		if t.logger != nil {
			t.logger.Warnf("POST to %s rejected: %v", req.URI, err)
		}
		return Reply{Result: ResultFor(err)}
	}

	return t.created(created, req)
}

// created writes a block of the POST that created r. The final block
// reports the new URI.
func (t *Table) created(r *DynamicResource, req Request) Reply {
	reply := t.write(r, req, r.fill)
	if reply.Result == payload.ResultOK {
		reply.Created = r.URI
	}
	return reply
}

func (t *Table) write(r Resource, req Request, op func([]byte, *payload.Block, bool) payload.Result) Reply {
	d := r.Desc()
	if req.HasContentFormat && req.ContentFormat != d.ContentFormat {
		return Reply{Result: payload.ResultContentFormatError}
	}

	res := op(req.Payload, req.Block, req.Last)
	return Reply{
		Result:        res,
		ContentFormat: d.ContentFormat,
		ETag:          d.ETag,
	}
}

func (t *Table) Delete(uri string) Reply {
	r, ok := t.Lookup(uri)
	if !ok {
		return Reply{Result: payload.ResultNotFound}
	}
	d, ok := r.(Deleter)
	if !ok {
		return Reply{Result: payload.ResultNotAllowed}
	}

	res := d.Delete()
	if res == payload.ResultOK {
		t.Remove(uri)
	}
	return Reply{Result: res}
}

// Update regenerates the ETag of uri when asked to and pushes the new
// representation to its observers.
func (t *Table) Update(uri string, typ message.Type, regenerateETag bool, p Pusher) error {
	r, ok := t.Lookup(uri)
	if !ok {
		return fmt.Errorf("resource %s not found", uri)
	}
	d := r.Desc()
	if regenerateETag {
		d.RegenerateETag()
	}
	if d.Observe.Observable && p != nil {
		p.Notify(r, typ)
	}
	return nil
}

// Tick delivers late replies whose result became ready and advances every
// observable resource whose Max-Age elapsed.
func (t *Table) Tick(now time.Time, p Pusher) {
	for _, r := range t.Resources() {
		if d, ok := r.(Deferred); ok && d.Ready() {
			p.PushSeparate(r)
		}

		o, ok := r.(Observable)
		if !ok {
			continue
		}
		desc := o.Desc()
		if desc.Observe.Notify == NotifyNever || desc.MaxAge <= 0 {
			continue
		}
		last := o.LastUpdate()
		if !last.IsZero() && now.Sub(last) < desc.MaxAge {
			continue
		}

		o.Advance(now)
		if last.IsZero() {
			continue
		}
		if err := t.Update(desc.URI, desc.Observe.Notify.MessageType(), true, p); err != nil && t.logger != nil {
			t.logger.Warnf("Failed to update %s: %v", desc.URI, err)
		}
	}
}

// DiscoveryResource serves .well-known/core for the table it belongs to.
type DiscoveryResource struct {
	Descriptor

	table *Table
}

const DiscoveryURI = ".well-known/core"

func NewDiscoveryResource(table *Table) *DiscoveryResource {
	return &DiscoveryResource{
		Descriptor: Descriptor{
			URI:           DiscoveryURI,
			ContentFormat: message.AppLinkFormat,
		},
		table: table,
	}
}

func (r *DiscoveryResource) Get(dst []byte, blk *payload.Block) (int, payload.Result) {
	return payload.ReadBlock(linkformat.Encode(r.table.Links()), dst, blk)
}
