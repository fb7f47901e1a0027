// Package url contains the URL structure used to address a RAOP
// session.
package url

import (
	"fmt"
	"net/url"
)

// URL is a RTSP URL.
// This is basically an HTTP URL with the rtsp scheme.
type URL url.URL

// Parse parses a RTSP URL.
func Parse(s string) (*URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "rtsp" {
		return nil, fmt.Errorf("unsupported scheme '%v'", u.Scheme)
	}

	if u.Opaque != "" {
		return nil, fmt.Errorf("URLs with opaque data are not supported")
	}

	if u.Fragment != "" {
		return nil, fmt.Errorf("URLs with fragments are not supported")
	}

	return (*URL)(u), nil
}

// Session builds the URL of a RAOP session hosted by the given
// address. The path is the fixed session id "1"; AirPort Express
// receivers expect it.
func Session(host string) *URL {
	return &URL{
		Scheme: "rtsp",
		Host:   host,
		Path:   "/1",
	}
}

// String implements fmt.Stringer.
func (u *URL) String() string {
	return (*url.URL)(u).String()
}

// Hostname returns the host without the port.
func (u *URL) Hostname() string {
	return (*url.URL)(u).Hostname()
}
