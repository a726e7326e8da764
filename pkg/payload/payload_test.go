package payload

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBlockSequenceReassemblesContent(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 8)
	content = append(content, []byte("tail!")...) // 133 bytes

	for _, size := range []int{16, 32, 64, 128, 256} {
		var got []byte
		var results []Result
		for index := 0; ; index++ {
			dst := make([]byte, size)
			n, res := ReadBlock(content, dst, &Block{Index: index, Size: size})
			require.NotEqual(t, ResultNoPayload, res, "size %d index %d", size, index)
			got = append(got, dst[:n]...)
			results = append(results, res)
			if res == ResultOK {
				expectedLast := len(content) % size
				if expectedLast == 0 {
					expectedLast = size
				}
				assert.Equal(t, expectedLast, n, "size %d last chunk", size)
				break
			}
		}

		assert.Equal(t, content, got, "size %d", size)
		for i, res := range results[:len(results)-1] {
			assert.Equal(t, ResultSendBlock, res, "size %d block %d", size, i)
		}
	}
}

func TestReadBlockEvenlyDivisible(t *testing.T) {
	content := bytes.Repeat([]byte{'x'}, 64)

	dst := make([]byte, 32)
	n, res := ReadBlock(content, dst, &Block{Index: 1, Size: 32})
	assert.Equal(t, 32, n)
	assert.Equal(t, ResultOK, res)

	n, res = ReadBlock(content, dst, &Block{Index: 2, Size: 32})
	assert.Equal(t, 0, n)
	assert.Equal(t, ResultNoPayload, res)
}

func TestReadBlockWithoutBlockContext(t *testing.T) {
	content := []byte("hello world")

	dst := make([]byte, 64)
	n, res := ReadBlock(content, dst, nil)
	assert.Equal(t, ResultOK, res)
	assert.Equal(t, "hello world", string(dst[:n]))

	small := make([]byte, 4)
	n, res = ReadBlock(content, small, nil)
	assert.Equal(t, ResultSendBlock, res)
	assert.Equal(t, "hell", string(small[:n]))

	n, res = ReadBlock(nil, dst, nil)
	assert.Equal(t, 0, n)
	assert.Equal(t, ResultNoPayload, res)
}

func TestWriteBlockCommitsLengthOnlyOnLastBlock(t *testing.T) {
	backing := make([]byte, 128)
	length := 10

	res := WriteBlock(backing, &length, bytes.Repeat([]byte{'a'}, 32), &Block{Index: 0, Size: 32}, false)
	assert.Equal(t, ResultSendBlock, res)
	assert.Equal(t, 10, length)

	res = WriteBlock(backing, &length, bytes.Repeat([]byte{'b'}, 32), &Block{Index: 1, Size: 32}, false)
	assert.Equal(t, ResultSendBlock, res)
	assert.Equal(t, 10, length)

	res = WriteBlock(backing, &length, []byte("cc"), &Block{Index: 2, Size: 32}, true)
	assert.Equal(t, ResultOK, res)
	assert.Equal(t, 66, length)

	expected := append(bytes.Repeat([]byte{'a'}, 32), bytes.Repeat([]byte{'b'}, 32)...)
	expected = append(expected, 'c', 'c')
	assert.Equal(t, expected, backing[:length])
}

func TestWriteBlockRejectsOverflow(t *testing.T) {
	backing := make([]byte, 64)
	length := 5

	res := WriteBlock(backing, &length, make([]byte, 32), &Block{Index: 2, Size: 32}, true)
	assert.Equal(t, ResultBufferTooSmall, res)
	assert.Equal(t, 5, length)

	res = WriteBlock(backing, &length, make([]byte, 65), nil, true)
	assert.Equal(t, ResultBufferTooSmall, res)
	assert.Equal(t, 5, length)
}

func TestBlockOptionRoundTrip(t *testing.T) {
	v, err := EncodeBlock(3, 32, true)
	require.NoError(t, err)

	blk, more, err := DecodeBlock(v)
	require.NoError(t, err)
	assert.Equal(t, Block{Index: 3, Size: 32}, blk)
	assert.True(t, more)

	_, err = EncodeBlock(0, 48, false)
	assert.Error(t, err)
	assert.False(t, ValidSize(2048))
	assert.True(t, ValidSize(16))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "send_separate", ResultSendSeparate.String())
	assert.Equal(t, "result(99)", Result(99).String())
	assert.True(t, ResultNotAllowed.IsError())
	assert.False(t, ResultSendBlock.IsError())
}
