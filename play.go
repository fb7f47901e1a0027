package lightplay

import (
	"encoding/binary"
	"fmt"
	"time"

	psdp "github.com/pion/sdp/v3"

	"github.com/ErikOnBike/light-play/pkg/base"
	"github.com/ErikOnBike/light-play/pkg/liberrors"
	"github.com/ErikOnBike/light-play/pkg/m4a"
	"github.com/ErikOnBike/light-play/pkg/multibuffer"
	"github.com/ErikOnBike/light-play/pkg/sdp"
)

const (
	audioMessageHeaderSize = 16

	// lag between sending the first audio packet and the receiver
	// actually emitting sound, caused by its playback buffer.
	playingTimeLag = 2 * time.Second

	audioBufferCount = 2
)

// announceDescription builds the session description the ANNOUNCE
// request carries: an Apple Lossless stream with the fixed fmtp
// parameters iTunes uses, at the timescale of the file.
func announceDescription(localIP string, remoteIP string, timescale uint32) *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "iTunes",
			SessionID:      1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "iTunes",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: remoteIP},
		},
		TimeDescriptions: []psdp.TimeDescription{{}},
		MediaDescriptions: []*psdp.MediaDescription{{
			MediaName: psdp.MediaName{
				Media:   "audio",
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"96"},
			},
			Attributes: []psdp.Attribute{
				{Key: "rtpmap", Value: "96 AppleLossless"},
				{Key: "fmtp", Value: fmt.Sprintf("96 %d 0 16 40 10 14 2 255 0 0 %d",
					m4a.FramesPerPacket, timescale)},
			},
		}},
	}
}

// Play negotiates a streaming session and starts sending the file's
// samples in the background, beginning at startTime within the file.
func (c *Client) Play(file *m4a.File, startTime time.Duration) error {
	if playbackState(c.playback.Load()) != playbackStateIdle {
		return liberrors.ErrClientWrongState{State: playbackState(c.playback.Load())}
	}

	c.file = file
	c.stateMutex.Lock()
	c.startTime = startTime
	c.stateMutex.Unlock()

	// OPTIONS initializes the connection; a receiver that requires
	// authentication challenges this first request, and sendCommand
	// repeats it with credentials
	if _, err := c.sendCommand(base.Options, nil); err != nil {
		return err
	}

	if _, err := c.sendCommand(base.Announce, c.announceContent); err != nil {
		return err
	}

	if err := c.doSetup(); err != nil {
		return err
	}

	if err := c.setupAudioConnection(); err != nil {
		return err
	}

	if _, err := c.sendCommand(base.Record, nil); err != nil {
		return err
	}

	if _, err := c.sendCommand(base.SetParameter, c.setVolumeContent); err != nil {
		return err
	}

	c.audioBuffer = multibuffer.New(audioBufferCount,
		uint64(audioMessageHeaderSize)+uint64(file.LargestSampleSize()))

	c.playback.Store(int32(playbackStateStreaming))
	c.pumpDone = make(chan struct{})
	c.pumpJoinable.Store(true)
	go c.runPump()

	return nil
}

// SetVolume changes the playback volume. Values run from 0 to 30;
// anything below 0.01 mutes. The value is retained between plays, and
// while streaming it is transmitted immediately; control and audio use
// distinct connections, so this is safe alongside the pump.
func (c *Client) SetVolume(volume float64) error {
	if volume < volumeMinValue {
		volume = VolumeMuted
	}
	if volume > volumeMaxValue {
		volume = volumeMaxValue
	}

	c.stateMutex.Lock()
	c.volume = volume
	c.volumeSet = true
	c.stateMutex.Unlock()

	if playbackState(c.playback.Load()) == playbackStateStreaming {
		if _, err := c.sendCommand(base.SetParameter, c.setVolumeContent); err != nil {
			return err
		}
	}

	return nil
}

// Stop ends playback: the pump is asked to stop and joined, then the
// receiver's buffer is flushed and the session torn down. Stopping a
// session that never started is a no-op.
func (c *Client) Stop() error {
	if playbackState(c.playback.Load()) == playbackStateIdle {
		return nil
	}

	c.playback.Store(int32(playbackStateStopping))
	c.joinPump()

	var firstErr error
	if _, err := c.sendCommand(base.Flush, nil); err != nil {
		firstErr = err
	}
	if _, err := c.sendCommand(base.Teardown, nil); err != nil && firstErr == nil {
		firstErr = err
	}

	c.playback.Store(int32(playbackStateIdle))

	return firstErr
}

// Wait blocks until playback finishes on its own. The session stays
// open; call Stop to flush the receiver and tear it down. Waiting on a
// session that never started returns immediately.
func (c *Client) Wait() {
	c.joinPump()
}

func (c *Client) joinPump() {
	if c.pumpJoinable.CompareAndSwap(true, false) {
		<-c.pumpDone
	}
}

// Progress returns how much of the file has been played, taking the
// receiver's buffering lag and the start offset into account.
func (c *Client) Progress() time.Duration {
	c.stateMutex.Lock()
	offset := c.playingTimeOffset
	startTime := c.startTime
	c.stateMutex.Unlock()

	if offset.IsZero() {
		return 0
	}

	progress := time.Since(offset) + startTime
	if progress < 0 {
		return 0
	}
	return progress
}

// runPump sends the audio messages on the audio connection. It runs in
// its own goroutine; the only state it shares with the controller is
// the playback flag it polls and the timing fields under stateMutex.
func (c *Client) runPump() {
	defer close(c.pumpDone)

	c.stateMutex.Lock()
	startTime := c.startTime
	c.stateMutex.Unlock()

	if err := c.file.SeekToTime(startTime); err != nil {
		c.Log(LogLevelError, "cannot set initial offset for playing file: %v", err)
		return
	}

	c.stateMutex.Lock()
	c.playingTimeOffset = time.Now().Add(playingTimeLag)
	c.stateMutex.Unlock()

	if err := c.sendAudioMessages(); err != nil {
		c.Log(LogLevelError, "cannot send audio: %v", err)
		return
	}

	c.waitForBufferedAudio()
}

func (c *Client) sendAudioMessages() error {
	message := c.audioBuffer.Next()
	defer c.audioBuffer.Done(message)

	c.Log(LogLevelDebug, "start to send audio packets")

	for c.file.HasMore() &&
		playbackState(c.playback.Load()) == playbackStateStreaming {
		sampleSize, err := c.file.NextSample(message[audioMessageHeaderSize:])
		if err != nil {
			return err
		}

		for i := 0; i < audioMessageHeaderSize; i++ {
			message[i] = 0
		}
		message[0] = 0x24
		message[4] = 0xf0
		message[5] = 0xff
		binary.BigEndian.PutUint16(message[2:4], uint16(sampleSize+12))

		// header and sample go out in a single write
		c.audioNConn.SetWriteDeadline(time.Now().Add(c.WriteTimeout)) //nolint:errcheck
		if _, err := c.audioCounter.Write(message[:audioMessageHeaderSize+int(sampleSize)]); err != nil {
			return err
		}
	}

	return nil
}

// waitForBufferedAudio keeps the session alive until the receiver has
// played what it buffered, checking for a stop request once per
// second.
func (c *Client) waitForBufferedAudio() {
	progress := c.Progress()
	length := c.file.Length()

	if length < progress {
		return
	}

	// one extra second for the remaining partial second
	remaining := length - progress + time.Second
	for remaining > 0 &&
		playbackState(c.playback.Load()) == playbackStateStreaming {
		time.Sleep(time.Second)
		remaining -= time.Second
	}
}
