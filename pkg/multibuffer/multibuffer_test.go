package multibuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCycle(t *testing.T) {
	mb := New(2, 4)

	b := mb.Next()
	copy(b, []byte{0x01, 0x02, 0x03, 0x04})
	mb.Done(b)

	b = mb.Next()
	copy(b, []byte{0x05, 0x06, 0x07, 0x08})
	mb.Done(b)

	b = mb.Next()
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b)
	mb.Done(b)

	b = mb.Next()
	require.Equal(t, []byte{0x05, 0x06, 0x07, 0x08}, b)
	mb.Done(b)
}

func TestInUse(t *testing.T) {
	mb := New(1, 16)
	require.Zero(t, InUse())

	b := mb.Next()
	require.Equal(t, int64(1), InUse())

	mb.Done(b)
	require.Zero(t, InUse())
}
