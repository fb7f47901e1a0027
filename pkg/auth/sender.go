// Package auth contains the Digest authentication used by AirTunes
// receivers.
package auth

import (
	"crypto/md5"
	"encoding/hex"
	"strings"

	"github.com/ErikOnBike/light-play/pkg/base"
	"github.com/ErikOnBike/light-play/pkg/headers"
)

// Username is the account name AirTunes receivers expect.
const Username = "iTunes"

// DefaultPassword is the password iTunes uses when none is configured
// on the receiver side.
const DefaultPassword = "geheim"

func md5HexUpper(in string) string {
	h := md5.Sum([]byte(in))
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// Sender computes Authorization headers from a WWW-Authenticate
// challenge and a password. The username is fixed.
type Sender struct {
	// challenge provided by the receiver
	WWWAuth base.HeaderValue

	// password
	Pass string

	authHeader headers.Authenticate
}

// Initialize parses the challenge.
func (se *Sender) Initialize() error {
	return se.authHeader.Unmarshal(se.WWWAuth)
}

// Realm returns the realm of the parsed challenge.
func (se *Sender) Realm() string {
	return se.authHeader.Realm
}

// Nonce returns the nonce of the parsed challenge.
func (se *Sender) Nonce() string {
	return se.authHeader.Nonce
}

// AddAuthorization adds the Authorization header to a request.
//
// Digest with MD5 and no qop, like HTTP Digest, except that the
// intermediate hashes are concatenated in upper-case hexadecimal:
//
//	HA1 = MD5(username ":" realm ":" password)
//	HA2 = MD5(method ":" uri)
//	response = MD5(hex(HA1) ":" nonce ":" hex(HA2))
func (se *Sender) AddAuthorization(req *base.Request) {
	uri := req.URL.String()

	ha1 := md5HexUpper(Username + ":" + se.authHeader.Realm + ":" + se.Pass)
	ha2 := md5HexUpper(string(req.Method) + ":" + uri)
	response := md5HexUpper(ha1 + ":" + se.authHeader.Nonce + ":" + ha2)

	h := headers.Authorization{
		Username: Username,
		Realm:    se.authHeader.Realm,
		Nonce:    se.authHeader.Nonce,
		URI:      uri,
		Response: response,
	}

	if req.Header == nil {
		req.Header = make(base.Header)
	}

	req.Header["Authorization"] = h.Marshal()
}
