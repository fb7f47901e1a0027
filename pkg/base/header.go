package base

import (
	"bufio"
	"bytes"
	"net/http"
	"sort"
	"strings"

	"fmt"
)

const (
	headerMaxEntryCount  = 255
	headerMaxKeyLength   = 512
	headerMaxValueLength = 2048
)

func headerKeyNormalize(in string) string {
	switch strings.ToLower(in) {
	case "rtp-info":
		return "RTP-Info"

	case "www-authenticate":
		return "WWW-Authenticate"

	case "cseq":
		return "CSeq"
	}
	return http.CanonicalHeaderKey(in)
}

// HeaderValue is an header value.
type HeaderValue []string

// Header is a RTSP header, present in both requests and responses.
type Header map[string]HeaderValue

func (h *Header) unmarshal(rb *bufio.Reader) error {
	*h = make(Header)

	for {
		byt, err := rb.ReadByte()
		if err != nil {
			return err
		}

		if byt == '\r' {
			err := expectByte(rb, '\n')
			if err != nil {
				return err
			}

			break
		}

		if len(*h) >= headerMaxEntryCount {
			return fmt.Errorf("headers count exceeds %d (it's %d)",
				headerMaxEntryCount, len(*h))
		}

		key := string([]byte{byt})
		byts, err := readUpTo(rb, ':', headerMaxKeyLength-1)
		if err != nil {
			return err
		}
		key += string(byts[:len(byts)-1])
		key = headerKeyNormalize(key)

		// the field value may be preceded by any amount of spaces
		for {
			byt, err := rb.ReadByte()
			if err != nil {
				return err
			}

			if byt != ' ' {
				break
			}
		}
		rb.UnreadByte() //nolint:errcheck

		byts, err = readUpTo(rb, '\r', headerMaxValueLength)
		if err != nil {
			return err
		}
		val := string(byts[:len(byts)-1])

		if len(val) == 0 {
			return fmt.Errorf("empty header value")
		}

		err = expectByte(rb, '\n')
		if err != nil {
			return err
		}

		(*h)[key] = append((*h)[key], val)
	}

	return nil
}

func (h Header) marshal(buf *bytes.Buffer) {
	// sort headers by key to obtain deterministic results
	var keys []string
	for key := range h {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, val := range h[key] {
			buf.WriteString(key + ": " + val + "\r\n")
		}
	}

	buf.WriteString("\r\n")
}

// SubValue extracts a ';'-separated subfield from the value of a
// header, like server_port from
// "RTP/AVP/TCP;unicast;server_port=6000". The second return value
// reports whether the subfield is present; a bare subfield without '='
// yields an empty string and true.
func (v HeaderValue) SubValue(subKey string) (string, bool) {
	if len(v) == 0 {
		return "", false
	}

	for _, field := range strings.Split(v[0], ";") {
		field = strings.TrimLeft(field, " ")

		if field == subKey {
			return "", true
		}
		if strings.HasPrefix(field, subKey+"=") {
			return field[len(subKey)+1:], true
		}
	}
	return "", false
}
