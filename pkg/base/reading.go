package base

import (
	"bufio"
	"fmt"
)

// readUpTo reads bytes until delim appears, delim included, failing
// when more than max bytes precede it. Callers strip the delimiter
// from the returned token.
func readUpTo(rb *bufio.Reader, delim byte, max int) ([]byte, error) {
	token := make([]byte, 0, 16)

	for {
		byt, err := rb.ReadByte()
		if err != nil {
			return nil, err
		}
		token = append(token, byt)

		if byt == delim {
			return token, nil
		}

		if len(token) >= max {
			return nil, fmt.Errorf("token exceeds %d bytes", max)
		}
	}
}

// expectByte consumes one byte and fails unless it matches.
func expectByte(rb *bufio.Reader, expected byte) error {
	byt, err := rb.ReadByte()
	if err != nil {
		return err
	}

	if byt != expected {
		return fmt.Errorf("expected '%c', got '%c'", expected, byt)
	}

	return nil
}
