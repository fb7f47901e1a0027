package headers

import (
	"fmt"
	"strconv"

	"github.com/ErikOnBike/light-play/pkg/base"
)

// Transport is a Transport header.
//
// The request side is fixed for RAOP: audio travels interleaved over a
// dedicated TCP connection, in record mode. The response side carries
// the port the receiver listens on for that connection.
type Transport struct {
	// port of the receiver's audio connection (response only)
	ServerPort *int
}

// Unmarshal decodes a Transport header.
func (h *Transport) Unmarshal(v base.HeaderValue) error {
	if len(v) == 0 {
		return fmt.Errorf("value not provided")
	}

	if len(v) > 1 {
		return fmt.Errorf("value provided multiple times (%v)", v)
	}

	rawPort, ok := v.SubValue("server_port")
	if !ok {
		return fmt.Errorf("server_port is missing (%v)", v[0])
	}

	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid server_port (%v)", rawPort)
	}

	p := int(port)
	h.ServerPort = &p

	return nil
}

// Marshal encodes a Transport header for a SETUP request.
func (h Transport) Marshal() base.HeaderValue {
	return base.HeaderValue{"RTP/AVP/TCP;unicast;interleaved=0-1;mode=record"}
}
