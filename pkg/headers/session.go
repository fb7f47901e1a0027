// Package headers contains the typed headers of the RAOP dialect.
package headers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ErikOnBike/light-play/pkg/base"
)

// Session is a Session header. AirTunes receivers assign a 32-bit id,
// transmitted in upper-case hexadecimal.
type Session struct {
	// session id
	ID uint32
}

// Unmarshal decodes a Session header.
func (h *Session) Unmarshal(v base.HeaderValue) error {
	if len(v) == 0 {
		return fmt.Errorf("value not provided")
	}

	if len(v) > 1 {
		return fmt.Errorf("value provided multiple times (%v)", v)
	}

	// a timeout parameter may follow the id
	id := v[0]
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}

	iv, err := strconv.ParseUint(id, 16, 32)
	if err != nil {
		return fmt.Errorf("invalid session id (%v)", v[0])
	}
	h.ID = uint32(iv)

	return nil
}

// Marshal encodes a Session header.
func (h Session) Marshal() base.HeaderValue {
	return base.HeaderValue{h.String()}
}

// String returns the upper-case hexadecimal form used in request
// headers.
func (h Session) String() string {
	return fmt.Sprintf("%X", h.ID)
}
