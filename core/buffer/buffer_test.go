package buffer

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarRoundTrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		t.Run(order.String(), func(t *testing.T) {
			b := New(0)
			b.WriteUint8(0xab)
			b.WriteUint16(order, 0xbeef)
			b.WriteUint32(order, 0xdeadbeef)
			b.WriteUint64(order, 0x0102030405060708)
			require.Equal(t, 15, b.Len())

			assert.Equal(t, uint8(0xab), b.PeekUint8())
			assert.Equal(t, uint8(0xab), b.ReadUint8())
			assert.Equal(t, uint16(0xbeef), b.PeekUint16(order))
			assert.Equal(t, uint16(0xbeef), b.ReadUint16(order))
			assert.Equal(t, uint32(0xdeadbeef), b.ReadUint32(order))
			assert.Equal(t, uint64(0x0102030405060708), b.ReadUint64(order))
			assert.Zero(t, b.Len())
		})
	}
}

func TestByteOrderIsExplicit(t *testing.T) {
	b := New(8)
	b.WriteUint16(binary.BigEndian, 0x0102)
	b.WriteUint16(binary.LittleEndian, 0x0102)
	assert.Equal(t, []byte{1, 2, 2, 1}, b.Bytes())
}

func TestPrependRoundTrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		b := New(4)
		_, _ = b.WriteString("body")
		b.WriteLeftUint64(order, 7)
		b.WriteLeftUint32(order, 6)
		b.WriteLeftUint16(order, 5)
		b.WriteLeftUint8(4)
		b.WriteLeft([]byte{1, 2, 3})

		assert.Equal(t, []byte{1, 2, 3}, b.ReadN(3))
		assert.Equal(t, uint8(4), b.ReadUint8())
		assert.Equal(t, uint16(5), b.ReadUint16(order))
		assert.Equal(t, uint32(6), b.ReadUint32(order))
		assert.Equal(t, uint64(7), b.ReadUint64(order))
		assert.Equal(t, "body", string(b.Bytes()))
	}
}

func TestGrowthPreservesContents(t *testing.T) {
	b := NewWithHeadroom(2, 2)
	var want bytes.Buffer
	for i := 0; i < 1000; i++ {
		_ = b.WriteByte(byte(i))
		want.WriteByte(byte(i))
		assert.LessOrEqual(t, b.Headroom()+b.Len(), b.Cap())
	}
	before := b.Cap()
	b.WriteLeft([]byte("hdr"))
	assert.GreaterOrEqual(t, b.Cap(), before)
	assert.Equal(t, append([]byte("hdr"), want.Bytes()...), b.Bytes())
}

func TestSkipFillPeekReset(t *testing.T) {
	b := NewWithHeadroom(8, 0)
	b.Fill('x', 3)
	_, _ = b.Write([]byte("yz"))
	assert.Equal(t, []byte("xxx"), b.Peek(3))
	b.Skip(3)
	assert.Equal(t, "yz", string(b.Bytes()))

	b.Reset()
	assert.Zero(t, b.Len())
	assert.Equal(t, 8, b.Headroom())
}

func TestReadPastEndIsDefect(t *testing.T) {
	b := New(4)
	b.WriteUint16(binary.BigEndian, 1)
	assert.PanicsWithError(t, "defect: buffer: read of 4 bytes with 2 readable", func() {
		b.ReadUint32(binary.BigEndian)
	})
	assert.Panics(t, func() { b.Skip(3) })
	assert.Equal(t, 2, b.Len())
}

func TestIOInterfaces(t *testing.T) {
	b := New(0)
	_, _ = b.WriteString("hello")
	p := make([]byte, 3)
	n, err := b.Read(p)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(p[:n]))

	var out bytes.Buffer
	_, err = b.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "lo", out.String())

	_, err = b.Read(p)
	assert.ErrorIs(t, err, io.EOF)
}

func TestExtendCommit(t *testing.T) {
	b := New(0)
	dst := b.Extend(16)
	n := copy(dst, "payload")
	b.Commit(n)
	assert.Equal(t, "payload", string(b.Bytes()))
	assert.Panics(t, func() { b.Commit(b.Tailroom() + 1) })
}

func TestCloneIsIndependent(t *testing.T) {
	b := NewWithHeadroom(4, 4)
	_, _ = b.WriteString("abc")
	c := b.Clone()
	_ = b.WriteByte('d')
	assert.Equal(t, "abc", string(c.Bytes()))
	assert.Equal(t, 4, c.Headroom())
	c.WriteLeftUint8('z')
	assert.Equal(t, "abcd", string(b.Bytes()))
}

func TestRefCountReturnsToPool(t *testing.T) {
	p := pool.NewBytePool(64, 128)
	b := FromPool(p, 0, 10)
	b.Retain()
	assert.False(t, b.Release())
	assert.True(t, b.Release())
	assert.Equal(t, int64(1), p.Stats().Puts)

	defer func() {
		err, _ := recover().(error)
		assert.ErrorIs(t, err, api.ErrDefect)
	}()
	b.Release()
}
