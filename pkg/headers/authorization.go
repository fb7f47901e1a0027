package headers

import (
	"github.com/ErikOnBike/light-play/pkg/base"
)

// Authorization is an Authorization header.
type Authorization struct {
	// username
	Username string

	// realm, copied from the challenge
	Realm string

	// nonce, copied from the challenge
	Nonce string

	// URI of the session
	URI string

	// computed digest response, upper-case hexadecimal
	Response string
}

// Marshal encodes an Authorization header.
//
// Field order matters to older receiver firmwares, so the header is
// assembled by hand instead of from a map.
func (h Authorization) Marshal() base.HeaderValue {
	return base.HeaderValue{"Digest username=\"" + h.Username +
		"\", realm=\"" + h.Realm +
		"\", nonce=\"" + h.Nonce +
		"\", uri=\"" + h.URI +
		"\", response=\"" + h.Response + "\""}
}

// Unmarshal decodes an Authorization header.
func (h *Authorization) Unmarshal(v base.HeaderValue) error {
	var auth Authenticate
	err := auth.Unmarshal(v)
	if err != nil {
		return err
	}
	h.Realm = auth.Realm
	h.Nonce = auth.Nonce

	kvs, _ := parseFieldPairs(v[0][len("Digest "):])
	h.Username = kvs["username"]
	h.URI = kvs["uri"]
	h.Response = kvs["response"]

	return nil
}
