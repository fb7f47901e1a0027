package bytecounter

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCount(t *testing.T) {
	var buf bytes.Buffer
	bc := New(&buf)

	n, err := bc.Write([]byte{0x01, 0x02, 0x03, 0x04})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, uint64(4), bc.BytesSent())

	p := make([]byte, 3)
	n, err = bc.Read(p)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, uint64(3), bc.BytesReceived())
}
