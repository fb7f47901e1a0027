package lightplay

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ErikOnBike/light-play/pkg/base"
	"github.com/ErikOnBike/light-play/pkg/conn"
	"github.com/ErikOnBike/light-play/pkg/m4a"
	"github.com/ErikOnBike/light-play/pkg/multibuffer"
)

//
// synthetic M4A file
//

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func mp4Box(typ string, payload ...[]byte) []byte {
	size := 8
	for _, p := range payload {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = append(out, be32(uint32(size))...)
	out = append(out, typ...)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

var testSampleSizes = []uint32{100, 220, 170, 300, 40, 90, 250, 80, 130, 60}

const testTotalSampleSize = 1440

func buildTestFile(timescale uint32, sampleSizes []uint32) []byte {
	duration := uint32(len(sampleSizes)) * m4a.FramesPerPacket

	stszParts := [][]byte{be32(0), be32(0), be32(uint32(len(sampleSizes)))}
	var samples []byte
	for i, s := range sampleSizes {
		stszParts = append(stszParts, be32(s))
		for j := uint32(0); j < s; j++ {
			samples = append(samples, byte(i))
		}
	}

	var out []byte
	out = append(out, mp4Box("ftyp", []byte("M4A "), be32(0))...)
	out = append(out, mp4Box("moov",
		mp4Box("mvhd", be32(0), be32(0), be32(0), be32(timescale), be32(duration)),
		mp4Box("trak",
			mp4Box("tkhd", be32(0), be32(0), be32(0), be32(1), be32(0), be32(duration), be32(duration)),
			mp4Box("mdia",
				mp4Box("mdhd", be32(0), be32(0), be32(0), be32(timescale), be32(duration)),
				mp4Box("minf",
					mp4Box("stbl",
						mp4Box("stsd", be32(0), be32(1), mp4Box("alac", make([]byte, 28))),
						mp4Box("stts", be32(0), be32(1), be32(uint32(len(sampleSizes))), be32(m4a.FramesPerPacket)),
						mp4Box("stsz", stszParts...),
					),
				),
			),
		),
	)...)
	out = append(out, mp4Box("mdat", samples)...)
	return out
}

func openTestFile(t *testing.T, timescale uint32) *m4a.File {
	path := filepath.Join(t.TempDir(), "test.m4a")
	require.NoError(t, os.WriteFile(path, buildTestFile(timescale, testSampleSizes), 0o644))

	f, err := m4a.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Parse())
	require.False(t, f.HasParsedWithWarnings())
	return f
}

//
// fake receiver
//

type recordedRequest struct {
	method base.Method
	cseq   uint32
	header base.Header
	body   []byte
}

type fakeReceiver struct {
	t *testing.T

	ln      net.Listener
	audioLn net.Listener

	// responds to a request; the default answers 200 and fills in
	// SETUP specifics
	handle func(req *base.Request) *base.Response

	// marshals and writes a response; the default uses one write
	write func(co *conn.Conn, nc net.Conn, res *base.Response)

	mutex          sync.Mutex
	requests       []recordedRequest
	audioBytes     atomic.Uint64
	audioConnected atomic.Bool

	sessionID string
}

func newFakeReceiver(t *testing.T) *fakeReceiver {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	audioLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	rc := &fakeReceiver{
		t:         t,
		ln:        ln,
		audioLn:   audioLn,
		sessionID: "4F2946A1",
	}
	rc.handle = rc.defaultHandle
	rc.write = func(co *conn.Conn, _ net.Conn, res *base.Response) {
		co.WriteResponse(res) //nolint:errcheck
	}

	go rc.serveControl()
	go rc.serveAudio()

	t.Cleanup(func() {
		ln.Close()
		audioLn.Close()
	})

	return rc
}

func (rc *fakeReceiver) port() int {
	return rc.ln.Addr().(*net.TCPAddr).Port
}

func (rc *fakeReceiver) audioPort() int {
	return rc.audioLn.Addr().(*net.TCPAddr).Port
}

func (rc *fakeReceiver) defaultHandle(req *base.Request) *base.Response {
	res := &base.Response{
		StatusCode: base.StatusOK,
		Header: base.Header{
			"CSeq": req.Header["CSeq"],
		},
	}

	if req.Method == base.Setup {
		res.Header["Session"] = base.HeaderValue{rc.sessionID}
		res.Header["Transport"] = base.HeaderValue{
			fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=0-1;mode=record;server_port=%d",
				rc.audioPort()),
		}
	}

	return res
}

func (rc *fakeReceiver) serveControl() {
	nc, err := rc.ln.Accept()
	if err != nil {
		return
	}
	defer nc.Close()

	co := conn.NewConn(nc)
	for {
		req, err := co.ReadRequest()
		if err != nil {
			return
		}

		var cseq uint64
		if v, ok := req.Header["CSeq"]; ok && len(v) == 1 {
			cseq, _ = strconv.ParseUint(v[0], 10, 32)
		}

		rc.mutex.Lock()
		rc.requests = append(rc.requests, recordedRequest{
			method: req.Method,
			cseq:   uint32(cseq),
			header: req.Header,
			body:   req.Body,
		})
		rc.mutex.Unlock()

		rc.write(co, nc, rc.handle(req))
	}
}

func (rc *fakeReceiver) serveAudio() {
	nc, err := rc.audioLn.Accept()
	if err != nil {
		return
	}
	defer nc.Close()

	rc.audioConnected.Store(true)

	buf := make([]byte, 2048)
	for {
		n, err := nc.Read(buf)
		rc.audioBytes.Add(uint64(n))
		if err != nil {
			return
		}
	}
}

func (rc *fakeReceiver) recorded() []recordedRequest {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	out := make([]recordedRequest, len(rc.requests))
	copy(out, rc.requests)
	return out
}

func (rc *fakeReceiver) methods() []base.Method {
	var out []base.Method
	for _, req := range rc.recorded() {
		out = append(out, req.method)
	}
	return out
}

func startedClient(t *testing.T, rc *fakeReceiver) *Client {
	c := &Client{
		Host: "127.0.0.1",
		Port: rc.port(),
		Log:  func(LogLevel, string, ...interface{}) {},
	}
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Close() })
	return c
}

//
// tests
//

func TestPlayHappyPath(t *testing.T) {
	rc := newFakeReceiver(t)
	file := openTestFile(t, 44100)
	c := startedClient(t, rc)

	require.NoError(t, c.Play(file, 0))
	c.Wait()
	require.NoError(t, c.Stop())
	require.NoError(t, c.Close())

	// the only success trace: the seven methods, in order
	require.Equal(t, []base.Method{
		base.Options, base.Announce, base.Setup, base.Record,
		base.SetParameter, base.Flush, base.Teardown,
	}, rc.methods())

	reqs := rc.recorded()

	// CSeq increases strictly monotonically
	for i, req := range reqs {
		require.Equal(t, uint32(i+1), req.cseq)
	}

	// ANNOUNCE carries the session description with the file's
	// timescale
	require.Equal(t, base.HeaderValue{"application/sdp"}, reqs[1].header["Content-Type"])
	require.Equal(t, "v=0\r\n"+
		"o=iTunes 1 O IN IP4 127.0.0.1\r\n"+
		"s=iTunes\r\n"+
		"c=IN IP4 127.0.0.1\r\n"+
		"t=0 0\r\n"+
		"m=audio 0 RTP/AVP 96\r\n"+
		"a=rtpmap:96 AppleLossless\r\n"+
		"a=fmtp:96 4096 0 16 40 10 14 2 255 0 0 44100\r\n",
		string(reqs[1].body))

	// the default volume travels with the handshake
	require.Equal(t, "volume: -15.0\r\n", string(reqs[4].body))

	// RECORD, FLUSH and TEARDOWN address the receiver's session
	for _, i := range []int{3, 5, 6} {
		require.Equal(t, base.HeaderValue{rc.sessionID}, reqs[i].header["Session"])
	}
	require.Equal(t, base.HeaderValue{"npt=0-"}, reqs[3].header["Range"])
	require.Equal(t, base.HeaderValue{"seq=0;rtptime=0"}, reqs[3].header["RTP-Info"])

	// every sample went out framed with the 16-byte header
	require.True(t, rc.audioConnected.Load())
	require.Eventually(t, func() bool {
		return rc.audioBytes.Load() == uint64(16*len(testSampleSizes)+testTotalSampleSize)
	}, time.Second, 10*time.Millisecond)

	// no scratch buffer may stay checked out
	require.Zero(t, multibuffer.InUse())
}

func TestPlayAuthChallenge(t *testing.T) {
	rc := newFakeReceiver(t)
	file := openTestFile(t, 44100)

	challenged := false
	rc.handle = func(req *base.Request) *base.Response {
		if req.Method == base.Options && !challenged {
			challenged = true
			return &base.Response{
				StatusCode: base.StatusUnauthorized,
				Header: base.Header{
					"CSeq":             req.Header["CSeq"],
					"WWW-Authenticate": base.HeaderValue{`Digest realm="airtunes", nonce="abc123"`},
				},
			}
		}
		return rc.defaultHandle(req)
	}

	c := startedClient(t, rc)
	require.NoError(t, c.Play(file, 0))
	c.Wait()
	require.NoError(t, c.Stop())

	reqs := rc.recorded()
	require.Equal(t, base.Options, reqs[0].method)
	require.Equal(t, base.Options, reqs[1].method)
	require.Empty(t, reqs[0].header["Authorization"])

	// the retry carries the Digest response over the session URL
	uri := "rtsp://127.0.0.1/1"
	sum1 := md5.Sum([]byte("iTunes:airtunes:geheim"))
	ha1 := strings.ToUpper(hex.EncodeToString(sum1[:]))
	sum2 := md5.Sum([]byte("OPTIONS:" + uri))
	ha2 := strings.ToUpper(hex.EncodeToString(sum2[:]))
	sum3 := md5.Sum([]byte(ha1 + ":abc123:" + ha2))
	response := strings.ToUpper(hex.EncodeToString(sum3[:]))

	require.Equal(t, base.HeaderValue{
		`Digest username="iTunes", realm="airtunes", nonce="abc123", ` +
			`uri="` + uri + `", response="` + response + `"`,
	}, reqs[1].header["Authorization"])

	// once challenged, every request authenticates
	require.NotEmpty(t, reqs[2].header["Authorization"])
}

func TestPlayAuthFailed(t *testing.T) {
	rc := newFakeReceiver(t)
	file := openTestFile(t, 44100)

	rc.handle = func(req *base.Request) *base.Response {
		return &base.Response{
			StatusCode: base.StatusUnauthorized,
			Header: base.Header{
				"CSeq":             req.Header["CSeq"],
				"WWW-Authenticate": base.HeaderValue{`Digest realm="airtunes", nonce="abc123"`},
			},
		}
	}

	c := startedClient(t, rc)
	err := c.Play(file, 0)
	require.EqualError(t, err, "invalid password")

	// one challenge, one retry, nothing more
	require.Len(t, rc.recorded(), 2)
}

func TestPlayReceiverBusy(t *testing.T) {
	rc := newFakeReceiver(t)
	file := openTestFile(t, 44100)

	rc.handle = func(req *base.Request) *base.Response {
		return &base.Response{
			StatusCode: base.StatusNotEnoughBandwidth,
			Header:     base.Header{"CSeq": req.Header["CSeq"]},
		}
	}

	c := startedClient(t, rc)
	err := c.Play(file, 0)
	require.EqualError(t, err,
		"receiver reported low bandwidth; it is probably playing audio already")

	require.Len(t, rc.recorded(), 1)
	require.False(t, rc.audioConnected.Load())
}

func TestPlayFragmentedSetupResponse(t *testing.T) {
	rc := newFakeReceiver(t)
	file := openTestFile(t, 44100)

	rc.handle = func(req *base.Request) *base.Response {
		res := rc.defaultHandle(req)
		if req.Method == base.Setup {
			// pad the response beyond the 900-byte first segment
			res.Header["Public"] = base.HeaderValue{strings.Repeat("x", 850)}
		}
		return res
	}
	rc.write = func(co *conn.Conn, nc net.Conn, res *base.Response) {
		if _, ok := res.Header["Public"]; !ok {
			co.WriteResponse(res) //nolint:errcheck
			return
		}
		byts, err := res.Marshal()
		require.NoError(t, err)
		require.Greater(t, len(byts), 900)
		nc.Write(byts[:900]) //nolint:errcheck
		time.Sleep(50 * time.Millisecond)
		nc.Write(byts[900:]) //nolint:errcheck
	}

	c := startedClient(t, rc)
	require.NoError(t, c.Play(file, 0))
	c.Wait()
	require.NoError(t, c.Stop())

	// Session and server_port came out of the fragmented response
	reqs := rc.recorded()
	require.Equal(t, base.HeaderValue{rc.sessionID}, reqs[3].header["Session"])
	require.True(t, rc.audioConnected.Load())
}

func TestSetVolumeMidPlay(t *testing.T) {
	rc := newFakeReceiver(t)
	file := openTestFile(t, 44100)
	c := startedClient(t, rc)

	require.NoError(t, c.Play(file, 0))
	require.NoError(t, c.SetVolume(20))
	c.Wait()
	require.NoError(t, c.Stop())

	var volumes []string
	for _, req := range rc.recorded() {
		if req.method == base.SetParameter {
			volumes = append(volumes, string(req.body))
		}
	}
	require.Equal(t, []string{"volume: -15.0\r\n", "volume: -10.0\r\n"}, volumes)
}

func TestStopMidPlay(t *testing.T) {
	rc := newFakeReceiver(t)
	file := openTestFile(t, 44100)
	c := startedClient(t, rc)

	require.NoError(t, c.Play(file, 0))
	require.NoError(t, c.Stop())

	methods := rc.methods()
	require.Equal(t, base.Flush, methods[len(methods)-2])
	require.Equal(t, base.Teardown, methods[len(methods)-1])

	require.GreaterOrEqual(t, c.Progress(), time.Duration(0))
	require.Zero(t, multibuffer.InUse())
}

func TestStopAndWaitWithoutPlay(t *testing.T) {
	rc := newFakeReceiver(t)
	c := startedClient(t, rc)

	c.Wait()
	require.NoError(t, c.Stop())
	require.Empty(t, rc.recorded())
}

func TestVolumeBodies(t *testing.T) {
	for _, ca := range []struct {
		name   string
		volume float64
		body   string
	}{
		{"muted", 0.0, "volume: -144.0\r\n"},
		{"below threshold", 0.005, "volume: -144.0\r\n"},
		{"threshold", 0.01, "volume: -30.0\r\n"},
		{"half", 15.0, "volume: -15.0\r\n"},
		{"maximum", 30.0, "volume: 0.0\r\n"},
		{"clamped", 40.0, "volume: 0.0\r\n"},
	} {
		t.Run(ca.name, func(t *testing.T) {
			c := &Client{}
			require.NoError(t, c.SetVolume(ca.volume))

			var req base.Request
			require.NoError(t, c.setVolumeContent(&req))
			require.Equal(t, ca.body, string(req.Body))
			require.Equal(t, base.HeaderValue{"text/parameters"}, req.Header["Content-Type"])
		})
	}
}

func TestProgressBeforePlay(t *testing.T) {
	c := &Client{}
	require.Equal(t, time.Duration(0), c.Progress())
}
