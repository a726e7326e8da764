// pkg/resource/factory.go
package resource

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"

	"github.com/twinfer/coap-exerciser/pkg/payload"
)

var (
	ErrAlreadyExists   = errors.New("a POST-created resource already exists")
	ErrPayloadTooLarge = errors.New("POST payload too large")
	ErrURITooLong      = errors.New("POST URI too long")
)

// DynamicResource is created by POST and removed by DELETE. It accepts
// GET, PUT and DELETE; a later POST to its URI is not allowed.
type DynamicResource struct {
	*DataResource

	release func()
	// filling is set while the body of the creating POST is still arriving.
	filling bool
}

// fill stores one block of the creating POST.
func (r *DynamicResource) fill(p []byte, blk *payload.Block, last bool) payload.Result {
	res := r.Put(p, blk, last)
	r.filling = res == payload.ResultSendBlock
	return res
}

func (r *DynamicResource) Delete() payload.Result {
	if r.release != nil {
		r.release()
	}
	return payload.ResultOK
}

// Factory creates at most one resource on POST to an unknown URI.
type Factory struct {
	table      *Table
	live       *DynamicResource
	maxPayload int
	maxURI     int
}

func NewFactory(table *Table, maxPayload, maxURI int) *Factory {
	return &Factory{
		table:      table,
		maxPayload: maxPayload,
		maxURI:     maxURI,
	}
}

// CreateOnPost installs a new resource at uri with room for payloadLength
// bytes. The resource is added to the table before it is returned.
func (f *Factory) CreateOnPost(uri string, payloadLength int, contentFormat message.MediaType) (*DynamicResource, error) {
	if f.live != nil {
		return nil, fmt.Errorf("cannot create %s: %w (%s)", uri, ErrAlreadyExists, f.live.URI)
	}
	if payloadLength > f.maxPayload {
		return nil, fmt.Errorf("cannot create %s: %w (%d > %d)", uri, ErrPayloadTooLarge, payloadLength, f.maxPayload)
	}
	if len(uri) > f.maxURI {
		return nil, fmt.Errorf("cannot create %s: %w (%d > %d)", uri, ErrURITooLong, len(uri), f.maxURI)
	}

	desc := Descriptor{
		URI:           uri,
		Title:         "Resource created by POST",
		ContentFormat: contentFormat,
		ETag:          newETag(),
	}
	r := &DynamicResource{DataResource: NewDataResource(desc, f.maxPayload, nil)}
	r.release = func() {
		if f.live == r {
			f.live = nil
		}
	}

	if err := f.table.Add(r); err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", uri, err)
	}
	f.live = r
	return r, nil
}

// Live returns the current POST-created resource, if any.
func (f *Factory) Live() (*DynamicResource, bool) {
	return f.live, f.live != nil
}

// ResultFor maps a CreateOnPost error to the handler result surfaced to the
// engine.
func ResultFor(err error) payload.Result {
	switch {
	case err == nil:
		return payload.ResultOK
	case errors.Is(err, ErrAlreadyExists):
		return payload.ResultNotAllowed
	case errors.Is(err, ErrPayloadTooLarge):
		return payload.ResultTooLarge
	case errors.Is(err, ErrURITooLong):
		return payload.ResultURITooLong
	default:
		return payload.ResultNotAllowed
	}
}
