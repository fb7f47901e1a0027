// Package conn contains a RTSP connection implementation.
package conn

import (
	"bufio"
	"io"

	"github.com/ErikOnBike/light-play/pkg/base"
)

const (
	readBufferSize = 1024
)

// Conn is a RTSP connection.
type Conn struct {
	w  io.Writer
	br *bufio.Reader
}

// NewConn allocates a Conn.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		w:  rw,
		br: bufio.NewReaderSize(rw, readBufferSize),
	}
}

// ReadResponse reads a response.
//
// The response is framed by its status line, header terminator and
// Content-Length, so a message split across multiple TCP segments is
// reassembled transparently.
func (c *Conn) ReadResponse() (*base.Response, error) {
	var res base.Response
	err := res.Unmarshal(c.br)
	return &res, err
}

// ReadRequest reads a request.
func (c *Conn) ReadRequest() (*base.Request, error) {
	var req base.Request
	err := req.Unmarshal(c.br)
	return &req, err
}

// WriteRequest writes a request with a single write on the underlying
// connection.
func (c *Conn) WriteRequest(req *base.Request) error {
	buf, _ := req.Marshal()
	_, err := c.w.Write(buf)
	return err
}

// WriteResponse writes a response.
func (c *Conn) WriteResponse(res *base.Response) error {
	buf, _ := res.Marshal()
	_, err := c.w.Write(buf)
	return err
}

// Buffered returns whether at least one byte is already held in the
// read buffer, so that reading it does not block. Bytes still waiting
// on the underlying connection are not counted.
func (c *Conn) Buffered() bool {
	return c.br.Buffered() > 0
}
