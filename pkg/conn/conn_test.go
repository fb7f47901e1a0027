package conn

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ErikOnBike/light-play/pkg/base"
	"github.com/ErikOnBike/light-play/pkg/url"
)

func TestWriteRequest(t *testing.T) {
	var buf bytes.Buffer
	co := NewConn(struct {
		io.Reader
		io.Writer
	}{nil, &buf})

	u, err := url.Parse("rtsp://192.168.1.10/1")
	require.NoError(t, err)

	err = co.WriteRequest(&base.Request{
		Method: base.Teardown,
		URL:    u,
		Header: base.Header{
			"CSeq": base.HeaderValue{"7"},
		},
	})
	require.NoError(t, err)
	require.Equal(t,
		"TEARDOWN rtsp://192.168.1.10/1 RTSP/1.0\r\n"+
			"CSeq: 7\r\n"+
			"\r\n",
		buf.String())
}

// a response split across two TCP segments must be received intact.
func TestReadResponseFragmented(t *testing.T) {
	res := base.Response{
		StatusCode:    base.StatusOK,
		StatusMessage: "OK",
		Header: base.Header{
			"CSeq":      base.HeaderValue{"3"},
			"Session":   base.HeaderValue{"DEADBEEF"},
			"Transport": base.HeaderValue{"RTP/AVP/TCP;unicast;interleaved=0-1;mode=record;server_port=6000"},
			// padding so that the first segment alone cannot
			// satisfy the read buffer
			"Public": base.HeaderValue{string(bytes.Repeat([]byte{'x'}, 800))},
		},
	}
	byts, err := res.Marshal()
	require.NoError(t, err)
	require.Greater(t, len(byts), 900)

	client, server := net.Pipe()
	defer client.Close()

	go func() {
		defer server.Close()
		server.Write(byts[:900]) //nolint:errcheck
		time.Sleep(50 * time.Millisecond)
		server.Write(byts[900:]) //nolint:errcheck
	}()

	co := NewConn(client)
	parsed, err := co.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, res.StatusCode, parsed.StatusCode)
	require.Equal(t, res.Header["Session"], parsed.Header["Session"])
	require.Equal(t, res.Header["Transport"], parsed.Header["Transport"])
}

func TestBuffered(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	co := NewConn(client)
	require.False(t, co.Buffered())

	go func() {
		server.Write([]byte("RTSP/1.0 200 OK\r\n\r\nextra")) //nolint:errcheck
	}()

	_, err := co.ReadResponse()
	require.NoError(t, err)

	// the bytes following the response are already buffered
	require.True(t, co.Buffered())
	server.Close()
}
