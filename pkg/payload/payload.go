// pkg/payload/payload.go
package payload

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v3/net/blockwise"
)

// Result is the outcome a payload callback reports back to the CoAP engine.
type Result int

const (
	// ResultOK means the whole (remaining) representation was handled.
	ResultOK Result = iota
	// ResultSendBlock means more blocks follow.
	ResultSendBlock
	// ResultSendSeparate asks the engine to acknowledge now and reply later.
	ResultSendSeparate
	// ResultNoPayload means the requested block lies past the end of the resource.
	ResultNoPayload
	ResultContentFormatError
	ResultBufferTooSmall
	ResultNotAllowed
	// ResultDeleteKeep acknowledges a DELETE without removing the resource.
	ResultDeleteKeep
	ResultTooLarge
	ResultURITooLong
	ResultNotFound
)

var resultNames = map[Result]string{
	ResultOK:                 "ok",
	ResultSendBlock:          "send_block",
	ResultSendSeparate:       "send_separate",
	ResultNoPayload:          "no_payload",
	ResultContentFormatError: "content_format_error",
	ResultBufferTooSmall:     "buffer_too_small",
	ResultNotAllowed:         "not_allowed",
	ResultDeleteKeep:         "delete_keep",
	ResultTooLarge:           "too_large",
	ResultURITooLong:         "uri_too_long",
	ResultNotFound:           "not_found",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// IsError reports whether r is a protocol-level rejection.
func (r Result) IsError() bool {
	switch r {
	case ResultContentFormatError, ResultBufferTooSmall, ResultNotAllowed, ResultTooLarge, ResultURITooLong, ResultNotFound:
		return true
	}
	return false
}

// Block is the block-wise transfer state of one request: the block number
// and the negotiated block size for that direction.
type Block struct {
	Index int
	Size  int
}

// Offset returns Index*Size. A nil block is a non block-wise request and
// starts at offset 0.
func (b *Block) Offset() int {
	if b == nil {
		return 0
	}
	return b.Index * b.Size
}

func (b *Block) String() string {
	if b == nil {
		return "none"
	}
	return fmt.Sprintf("%d/%d", b.Index, b.Size)
}

// Source produces the bytes of a representation into dst for the given
// block. It is the GET-payload callback on the server and the PUT/POST body
// producer on the client.
type Source interface {
	Read(dst []byte, blk *Block) (int, Result)
}

// Sink consumes response payload delivered block by block.
type Sink interface {
	Consume(blockIndex int, p []byte)
}

// Bytes is a Source over a fixed byte slice.
type Bytes []byte

func (b Bytes) Read(dst []byte, blk *Block) (int, Result) {
	return ReadBlock(b, dst, blk)
}

// ReadBlock copies the block of content selected by blk into dst. dst's
// length is the destination capacity.
func ReadBlock(content, dst []byte, blk *Block) (int, Result) {
	offset := blk.Offset()
	if offset >= len(content) {
		return 0, ResultNoPayload
	}

	remaining := len(content) - offset
	if remaining > len(dst) {
		return copy(dst, content[offset:offset+len(dst)]), ResultSendBlock
	}
	return copy(dst, content[offset:]), ResultOK
}

// WriteBlock stores p at the block offset inside backing. The committed
// length is only updated when last is set, so a transfer aborted midway
// leaves the previous length intact.
func WriteBlock(backing []byte, length *int, p []byte, blk *Block, last bool) Result {
	offset := blk.Offset()
	if offset > len(backing) || offset+len(p) > len(backing) {
		return ResultBufferTooSmall
	}

	copy(backing[offset:], p)
	if !last {
		return ResultSendBlock
	}
	*length = offset + len(p)
	return ResultOK
}

var sizes = []struct {
	size int
	szx  blockwise.SZX
}{
	{16, blockwise.SZX16},
	{32, blockwise.SZX32},
	{64, blockwise.SZX64},
	{128, blockwise.SZX128},
	{256, blockwise.SZX256},
	{512, blockwise.SZX512},
	{1024, blockwise.SZX1024},
}

// SZX maps a block size in bytes to its SZX exponent.
func SZX(size int) (blockwise.SZX, error) {
	for _, s := range sizes {
		if s.size == size {
			return s.szx, nil
		}
	}
	return 0, fmt.Errorf("invalid block size %d: must be a power of two between 16 and 1024", size)
}

// ValidSize reports whether size can be carried in a block option.
func ValidSize(size int) bool {
	_, err := SZX(size)
	return err == nil
}

// EncodeBlock builds a Block1/Block2 option value.
func EncodeBlock(index, size int, more bool) (uint32, error) {
	szx, err := SZX(size)
	if err != nil {
		return 0, err
	}
	return blockwise.EncodeBlockOption(szx, int64(index), more)
}

// DecodeBlock parses a Block1/Block2 option value.
func DecodeBlock(v uint32) (Block, bool, error) {
	szx, num, more, err := blockwise.DecodeBlockOption(v)
	if err != nil {
		return Block{}, false, fmt.Errorf("failed to decode block option: %w", err)
	}
	if szx == blockwise.SZXBERT {
		return Block{}, false, fmt.Errorf("BERT blocks are not supported")
	}
	return Block{Index: int(num), Size: int(szx.Size())}, more, nil
}
