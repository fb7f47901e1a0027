// Package sdp contains a SDP encoder compatible with AirTunes
// receivers.
//
// AirTunes receivers parse the exact session description iTunes emits,
// which deviates from RFC 4566 in its origin line: the session version
// is the literal letter "O" instead of a number. A conformant encoder
// cannot produce it, hence this package marshals pion/sdp session
// descriptions itself.
package sdp

import (
	"bytes"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// SessionDescription is a SDP session description.
type SessionDescription psdp.SessionDescription

func marshalOrigin(buf *bytes.Buffer, o psdp.Origin) {
	buf.WriteString("o=" + o.Username + " " +
		strconv.FormatUint(o.SessionID, 10) + " ")

	// iTunes sends the letter "O" in place of a numeric session
	// version; receivers expect it.
	if o.SessionVersion == 0 {
		buf.WriteString("O")
	} else {
		buf.WriteString(strconv.FormatUint(o.SessionVersion, 10))
	}

	buf.WriteString(" " + o.NetworkType + " " + o.AddressType + " " +
		o.UnicastAddress + "\r\n")
}

func marshalConnection(buf *bytes.Buffer, c *psdp.ConnectionInformation) {
	if c == nil {
		return
	}
	buf.WriteString("c=" + c.NetworkType + " " + c.AddressType)
	if c.Address != nil {
		buf.WriteString(" " + c.Address.Address)
	}
	buf.WriteString("\r\n")
}

func marshalMedia(buf *bytes.Buffer, m *psdp.MediaDescription) {
	buf.WriteString("m=" + m.MediaName.Media + " " +
		strconv.Itoa(m.MediaName.Port.Value) + " " +
		strings.Join(m.MediaName.Protos, "/"))
	for _, f := range m.MediaName.Formats {
		buf.WriteString(" " + f)
	}
	buf.WriteString("\r\n")

	marshalConnection(buf, m.ConnectionInformation)

	for _, a := range m.Attributes {
		buf.WriteString("a=" + a.Key)
		if a.Value != "" {
			buf.WriteString(":" + a.Value)
		}
		buf.WriteString("\r\n")
	}
}

// Marshal encodes the session description with CRLF line endings, in
// the field order AirTunes receivers expect.
func (s *SessionDescription) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString("v=" + strconv.Itoa(int(s.Version)) + "\r\n")

	marshalOrigin(&buf, s.Origin)

	buf.WriteString("s=" + string(s.SessionName) + "\r\n")

	marshalConnection(&buf, s.ConnectionInformation)

	for _, t := range s.TimeDescriptions {
		buf.WriteString("t=" + strconv.FormatUint(t.Timing.StartTime, 10) +
			" " + strconv.FormatUint(t.Timing.StopTime, 10) + "\r\n")
	}

	for _, a := range s.Attributes {
		buf.WriteString("a=" + a.Key)
		if a.Value != "" {
			buf.WriteString(":" + a.Value)
		}
		buf.WriteString("\r\n")
	}

	for _, m := range s.MediaDescriptions {
		marshalMedia(&buf, m)
	}

	return buf.Bytes(), nil
}
