package headers

import (
	"fmt"
	"strings"

	"github.com/ErikOnBike/light-play/pkg/base"
)

// parseFieldPairs parses the comma-separated key="value" fields of
// Digest challenge and credential headers. Values may be quoted; a
// quote left unterminated is an error. Unknown keys are kept so that
// callers can skip them.
func parseFieldPairs(s string) (map[string]string, error) {
	pairs := make(map[string]string)

	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("unable to parse field (%v)", s)
		}
		key := s[:eq]
		s = s[eq+1:]

		var value string
		if len(s) > 0 && s[0] == '"' {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("quote not closed (%v)", s)
			}
			value = s[1 : 1+end]
			s = s[end+2:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = s[:end]
			s = s[end:]
		}
		pairs[key] = value

		s = strings.TrimLeft(s, ", ")
	}

	return pairs, nil
}

// Authenticate is a WWW-Authenticate header.
//
// AirTunes receivers challenge with Digest only (MD5, no qop); other
// methods are rejected.
type Authenticate struct {
	// realm
	Realm string

	// nonce
	Nonce string
}

// Unmarshal decodes a WWW-Authenticate header.
func (h *Authenticate) Unmarshal(v base.HeaderValue) error {
	if len(v) == 0 {
		return fmt.Errorf("value not provided")
	}

	if len(v) > 1 {
		return fmt.Errorf("value provided multiple times (%v)", v)
	}

	v0 := v[0]

	i := strings.IndexByte(v0, ' ')
	if i < 0 {
		return fmt.Errorf("unable to split between method and keys (%v)", v0)
	}
	method, v0 := v0[:i], v0[i+1:]

	if method != "Digest" {
		return fmt.Errorf("invalid method (%s)", method)
	}

	kvs, err := parseFieldPairs(v0)
	if err != nil {
		return err
	}

	realmReceived := false
	nonceReceived := false

	for k, rv := range kvs {
		switch k {
		case "realm":
			h.Realm = rv
			realmReceived = true

		case "nonce":
			h.Nonce = rv
			nonceReceived = true
		}
	}

	if !realmReceived || !nonceReceived {
		return fmt.Errorf("one or more digest fields are missing")
	}

	return nil
}
