// Package base contains the primitives of the RAOP control protocol,
// an RTSP 1.0 dialect spoken by AirTunes receivers.
package base

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"

	"github.com/ErikOnBike/light-play/pkg/url"
)

const (
	rtspProtocol10           = "RTSP/1.0"
	requestMaxMethodLength   = 64
	requestMaxTargetLength   = 2048
	requestMaxProtocolLength = 64
)

// Method is the method of a request.
type Method string

// methods.
const (
	Announce     Method = "ANNOUNCE"
	Flush        Method = "FLUSH"
	Options      Method = "OPTIONS"
	Record       Method = "RECORD"
	SetParameter Method = "SET_PARAMETER"
	Setup        Method = "SETUP"
	Teardown     Method = "TEARDOWN"
)

// Request is a RTSP request.
type Request struct {
	// request method
	Method Method

	// request URL. OPTIONS is sent with the wildcard target '*',
	// every other method addresses the session URL.
	URL *url.URL

	// map of header values
	Header Header

	// optional body
	Body []byte
}

func (req Request) target() string {
	if req.Method == Options {
		return "*"
	}
	return req.URL.String()
}

// SetBody installs a body and the matching Content-Type and
// Content-Length headers.
func (req *Request) SetBody(body []byte, contentType string) {
	if req.Header == nil {
		req.Header = make(Header)
	}
	req.Body = body
	req.Header["Content-Type"] = HeaderValue{contentType}
	req.Header["Content-Length"] = HeaderValue{strconv.FormatInt(int64(len(body)), 10)}
}

// Unmarshal reads a request.
func (req *Request) Unmarshal(rb *bufio.Reader) error {
	byts, err := readUpTo(rb, ' ', requestMaxMethodLength)
	if err != nil {
		return err
	}
	req.Method = Method(byts[:len(byts)-1])

	if req.Method == "" {
		return fmt.Errorf("empty method")
	}

	byts, err = readUpTo(rb, ' ', requestMaxTargetLength)
	if err != nil {
		return err
	}
	rawTarget := string(byts[:len(byts)-1])

	if rawTarget != "*" {
		ur, err := url.Parse(rawTarget)
		if err != nil {
			return fmt.Errorf("invalid target (%v)", rawTarget)
		}
		req.URL = ur
	} else {
		req.URL = nil
	}

	byts, err = readUpTo(rb, '\r', requestMaxProtocolLength)
	if err != nil {
		return err
	}
	proto := byts[:len(byts)-1]

	if string(proto) != rtspProtocol10 {
		return fmt.Errorf("expected '%s', got '%s'", rtspProtocol10, proto)
	}

	err = expectByte(rb, '\n')
	if err != nil {
		return err
	}

	err = req.Header.unmarshal(rb)
	if err != nil {
		return err
	}

	err = (*body)(&req.Body).unmarshal(req.Header, rb)
	if err != nil {
		return err
	}

	return nil
}

// Marshal writes a request.
//
// The result is a single byte slice so that callers can hand the whole
// message to one socket write; some receivers misbehave when a request
// arrives split across segments.
func (req Request) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	if len(req.Body) != 0 {
		if req.Header == nil {
			req.Header = make(Header)
		}
		req.Header["Content-Length"] = HeaderValue{strconv.FormatInt(int64(len(req.Body)), 10)}
	}

	buf.WriteString(string(req.Method) + " " + req.target() + " " + rtspProtocol10 + "\r\n")
	req.Header.marshal(&buf)
	body(req.Body).marshal(&buf)

	return buf.Bytes(), nil
}

// String implements fmt.Stringer.
func (req Request) String() string {
	buf, _ := req.Marshal()
	return string(buf)
}
