/*
Package lightplay is an AirTunes (RAOP) client for the Go programming
language.

It streams Apple Lossless audio from a M4A file to an AirPort Express
receiver without transcoding: the container's ALAC samples are sent
as-is over the receiver's audio connection, after a RTSP-style
handshake on the control connection.
*/
package lightplay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ErikOnBike/light-play/pkg/auth"
	"github.com/ErikOnBike/light-play/pkg/base"
	"github.com/ErikOnBike/light-play/pkg/bytecounter"
	"github.com/ErikOnBike/light-play/pkg/conn"
	"github.com/ErikOnBike/light-play/pkg/headers"
	"github.com/ErikOnBike/light-play/pkg/liberrors"
	"github.com/ErikOnBike/light-play/pkg/m4a"
	"github.com/ErikOnBike/light-play/pkg/multibuffer"
	"github.com/ErikOnBike/light-play/pkg/url"
)

const (
	defaultPort = 5000

	// volume runs from 0 (muted) to 30 (maximum); receivers take it
	// as an attenuation between -30 and 0 dB, with -144 meaning
	// muted.
	VolumeDefault  = 15.0
	VolumeMuted    = 0.0
	volumeMinValue = 0.01
	volumeMaxValue = 30.0

	volumeInternalOffset = -30.0
	volumeInternalMuted  = -144.0
)

type playbackState int32

const (
	playbackStateIdle playbackState = iota
	playbackStateStreaming
	playbackStateStopping
)

// String implements fmt.Stringer.
func (s playbackState) String() string {
	switch s {
	case playbackStateIdle:
		return "idle"
	case playbackStateStreaming:
		return "streaming"
	case playbackStateStopping:
		return "stopping"
	}
	return "unknown"
}

// Stats contains the transfer statistics of a session.
type Stats struct {
	ControlBytesSent     uint64
	ControlBytesReceived uint64
	AudioBytesSent       uint64
}

// Client is a RAOP client.
//
// The zero value is usable after setting Host; missing fields are
// filled with defaults by Start.
type Client struct {
	// host name or address of the receiver.
	Host string

	// control port of the receiver.
	// It defaults to 5000.
	Port int

	// password used when the receiver requires authentication.
	// It defaults to the one iTunes uses.
	Password string

	// timeout of read operations.
	// It defaults to 10 seconds.
	ReadTimeout time.Duration

	// timeout of write operations.
	// It defaults to 10 seconds.
	WriteTimeout time.Duration

	// function used to initialize TCP connections.
	// It defaults to (&net.Dialer{}).DialContext.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)

	// called before every request.
	OnRequest func(*base.Request)

	// called after every response.
	OnResponse func(*base.Response)

	// function used to log.
	Log LogFunc

	//
	// private
	//

	nconn       net.Conn
	ctrlCounter *bytecounter.ByteCounter
	conn        *conn.Conn
	sessionURL  *url.URL
	localIP     string
	remoteIP    string

	cseq      uint32
	sessionID uint32
	sender    *auth.Sender
	audioPort int

	audioNConn   net.Conn
	audioCounter *bytecounter.ByteCounter

	file        *m4a.File
	audioBuffer *multibuffer.MultiBuffer

	playback     atomic.Int32
	pumpJoinable atomic.Bool
	pumpDone     chan struct{}

	stateMutex        sync.Mutex
	volume            float64
	volumeSet         bool
	playingTimeOffset time.Time
	startTime         time.Duration
}

// Start opens the control connection to the receiver.
func (c *Client) Start() error {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Password == "" {
		c.Password = auth.DefaultPassword
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DialContext == nil {
		c.DialContext = (&net.Dialer{}).DialContext
	}
	if c.OnRequest == nil {
		c.OnRequest = func(*base.Request) {}
	}
	if c.OnResponse == nil {
		c.OnResponse = func(*base.Response) {}
	}
	if c.Log == nil {
		c.Log = defaultLog
	}

	nconn, err := c.DialContext(context.Background(), "tcp",
		net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
	if err != nil {
		return err
	}
	c.nconn = nconn
	c.ctrlCounter = bytecounter.New(nconn)
	c.conn = conn.NewConn(c.ctrlCounter)

	c.localIP, _, _ = net.SplitHostPort(nconn.LocalAddr().String())
	c.remoteIP, _, _ = net.SplitHostPort(nconn.RemoteAddr().String())
	c.sessionURL = url.Session(c.remoteIP)

	return nil
}

// Stats returns the transfer statistics of the session.
func (c *Client) Stats() Stats {
	st := Stats{}
	if c.ctrlCounter != nil {
		st.ControlBytesSent = c.ctrlCounter.BytesSent()
		st.ControlBytesReceived = c.ctrlCounter.BytesReceived()
	}
	if c.audioCounter != nil {
		st.AudioBytesSent = c.audioCounter.BytesSent()
	}
	return st
}

// Close releases every resource of the session. It is idempotent and
// keeps going on partial failures so that nothing stays open.
func (c *Client) Close() error {
	var firstErr error

	if c.pumpJoinable.Load() {
		c.playback.Store(int32(playbackStateStopping))
		c.joinPump()
	}
	c.playback.Store(int32(playbackStateIdle))

	if c.audioNConn != nil {
		if err := c.audioNConn.Close(); err != nil {
			firstErr = err
		}
		c.audioNConn = nil
	}

	if c.nconn != nil {
		if err := c.nconn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.nconn = nil
		c.conn = nil
	}

	if firstErr != nil {
		c.Log(LogLevelWarn, "not all resources have been properly closed: %v", firstErr)
	}

	return firstErr
}

// contentFunc installs a method-specific body into a request.
type contentFunc func(req *base.Request) error

// sendCommand performs one request/response exchange, repeating it
// once with credentials if the receiver asks for authentication.
func (c *Client) sendCommand(method base.Method, content contentFunc) (*base.Response, error) {
	res, retry, err := c.doRequest(method, content)
	if err != nil {
		return nil, err
	}

	if retry {
		res, retry, err = c.doRequest(method, content)
		if err != nil {
			return nil, err
		}
		if retry {
			return nil, liberrors.ErrClientAuthFailed{}
		}
	}

	// the response must mirror the sequence number of the request
	if rawCSeq, ok := res.Header["CSeq"]; !ok || len(rawCSeq) != 1 {
		c.Log(LogLevelWarn, "response has no CSeq value")
	} else if v, err := strconv.ParseUint(rawCSeq[0], 10, 32); err != nil || uint32(v) != c.cseq {
		c.Log(LogLevelWarn, "the CSeq value of the response (%s) does not match the one sent (%d)",
			rawCSeq[0], c.cseq)
	}

	return res, nil
}

func (c *Client) doRequest(method base.Method, content contentFunc) (*base.Response, bool, error) {
	req := &base.Request{
		Method: method,
		URL:    c.sessionURL,
		Header: make(base.Header),
	}

	c.addHeaderFields(req)

	c.cseq++
	req.Header["CSeq"] = base.HeaderValue{strconv.FormatUint(uint64(c.cseq), 10)}

	if c.sender != nil {
		c.sender.AddAuthorization(req)
	}

	if content != nil {
		if err := content(req); err != nil {
			return nil, false, err
		}
	}

	c.OnRequest(req)

	c.nconn.SetWriteDeadline(time.Now().Add(c.WriteTimeout)) //nolint:errcheck
	if err := c.conn.WriteRequest(req); err != nil {
		return nil, false, err
	}

	c.nconn.SetReadDeadline(time.Now().Add(c.ReadTimeout)) //nolint:errcheck
	res, err := c.conn.ReadResponse()
	if err != nil {
		return nil, false, err
	}

	c.OnResponse(res)

	switch {
	case res.StatusCode == base.StatusOK:
		return res, false, nil

	case res.StatusCode > 200 && res.StatusCode < 300:
		c.Log(LogLevelWarn, "response returned code %d; this is a success, but might indicate a warning on the receiver",
			res.StatusCode)
		return res, false, nil

	case res.StatusCode == base.StatusUnauthorized:
		if c.sender != nil {
			return nil, false, liberrors.ErrClientAuthFailed{}
		}

		sender := &auth.Sender{
			WWWAuth: res.Header["WWW-Authenticate"],
			Pass:    c.Password,
		}
		if err := sender.Initialize(); err != nil {
			return nil, false, liberrors.ErrClientAuthChallengeInvalid{Err: err}
		}
		c.sender = sender
		return res, true, nil

	case res.StatusCode == base.StatusNotEnoughBandwidth:
		return nil, false, liberrors.ErrClientReceiverBusy{}

	default:
		return nil, false, liberrors.ErrClientWrongStatusCode{
			Code: res.StatusCode, Message: res.StatusMessage,
		}
	}
}

// addHeaderFields installs the method-specific headers.
func (c *Client) addHeaderFields(req *base.Request) {
	session := headers.Session{ID: c.sessionID}

	switch req.Method {
	case base.Setup:
		req.Header["Transport"] = headers.Transport{}.Marshal()

	case base.Record:
		req.Header["Session"] = session.Marshal()
		req.Header["Range"] = base.HeaderValue{"npt=0-"}
		req.Header["RTP-Info"] = base.HeaderValue{"seq=0;rtptime=0"}

	case base.Flush:
		req.Header["Session"] = session.Marshal()
		req.Header["RTP-Info"] = base.HeaderValue{"seq=0;rtptime=0"}

	case base.Teardown:
		req.Header["Session"] = session.Marshal()
	}
}

func (c *Client) doSetup() error {
	res, err := c.sendCommand(base.Setup, nil)
	if err != nil {
		return err
	}

	var sx headers.Session
	if err := sx.Unmarshal(res.Header["Session"]); err != nil {
		return liberrors.ErrClientSessionHeaderInvalid{Err: err}
	}
	c.sessionID = sx.ID

	var tx headers.Transport
	if err := tx.Unmarshal(res.Header["Transport"]); err != nil {
		return liberrors.ErrClientTransportHeaderInvalid{Err: err}
	}
	c.audioPort = *tx.ServerPort

	return nil
}

func (c *Client) setupAudioConnection() error {
	nconn, err := c.DialContext(context.Background(), "tcp",
		net.JoinHostPort(c.Host, strconv.Itoa(c.audioPort)))
	if err != nil {
		return fmt.Errorf("cannot open audio connection to %s on port %d: %w",
			c.Host, c.audioPort, err)
	}
	c.audioNConn = nconn
	c.audioCounter = bytecounter.New(nconn)
	return nil
}

func (c *Client) announceContent(req *base.Request) error {
	body, err := announceDescription(c.localIP, c.remoteIP, c.file.Timescale()).Marshal()
	if err != nil {
		return err
	}
	req.SetBody(body, "application/sdp")
	return nil
}

func (c *Client) setVolumeContent(req *base.Request) error {
	v := volumeInternalMuted
	if c.currentVolume() >= volumeMinValue {
		v = volumeInternalOffset + c.currentVolume()
	}
	req.SetBody([]byte(fmt.Sprintf("volume: %.1f\r\n", v)), "text/parameters")
	return nil
}

func (c *Client) currentVolume() float64 {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	if !c.volumeSet {
		return VolumeDefault
	}
	return c.volume
}
