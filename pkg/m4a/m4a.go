// Package m4a contains a reader for the MPEG-4 audio containers
// produced by iTunes.
//
// The parser walks the box tree once and extracts only what is needed
// to stream the contained ALAC samples: timing, the per-sample size
// table and the location of the media data. Samples themselves are
// never interpreted.
package m4a

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrSeekOutOfRange is returned by SeekToTime when the requested time
// lies beyond the end of the file.
var ErrSeekOutOfRange = errors.New("start time is beyond the end of the file")

// FramesPerPacket is the fixed number of PCM frames per ALAC packet in
// iTunes-produced files; start times are converted to sample indexes
// with it, and the ANNOUNCE description carries it.
const FramesPerPacket = 4096

const unusedOffset = -1

// Encoding is the encoding of the audio samples.
type Encoding int

// encodings.
const (
	EncodingUnknown Encoding = iota
	EncodingALAC
	EncodingAAC
)

// String implements fmt.Stringer.
func (e Encoding) String() string {
	switch e {
	case EncodingALAC:
		return "ALAC"
	case EncodingAAC:
		return "AAC"
	}
	return "unknown"
}

type parseStatus int

const (
	statusOK parseStatus = iota
	statusParsedWithWarnings
	statusError
)

// MetadataFunc receives the content of an iTunes metadata box.
// metadataType is the content type carried in the low 5 bits of the
// box flags (1 is UTF-8 text).
type MetadataFunc func(boxType BoxType, data []byte, metadataType uint32)

// File is a M4A file.
type File struct {
	// called for every iTunes metadata item found during Parse.
	OnMetadata MetadataFunc

	// dataFile reads media data; sizeFile reads the sample size
	// table. Two handles over the same path keep the hot path free
	// of seeks.
	dataFile *os.File
	sizeFile *os.File

	totalSize int64

	dataOffset int64
	sizeOffset int64
	dataPos    int64
	sizePos    int64

	samplesCount      uint32
	totalSampleSize   uint32
	largestSampleSize uint32
	timescale         uint32
	duration          uint32
	encoding          Encoding

	status   parseStatus
	warnings []string
}

// Open opens a M4A file.
func Open(path string) (*File, error) {
	f := &File{
		dataOffset: unusedOffset,
		sizeOffset: unusedOffset,
	}

	var err error
	f.dataFile, err = os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.dataFile.Stat()
	if err != nil {
		f.dataFile.Close()
		return nil, err
	}
	f.totalSize = info.Size()

	f.sizeFile, err = os.Open(path)
	if err != nil {
		f.dataFile.Close()
		return nil, err
	}

	return f, nil
}

// Parse walks the box tree and positions both cursors for sample
// iteration. Malformed structure is fatal; recoverable oddities are
// recorded as warnings and parsing continues.
func (f *File) Parse() error {
	r := &boxReader{br: bufio.NewReader(f.dataFile)}

	for {
		n, err := f.parseBox(r, boxNone)
		if err != nil {
			f.status = statusError
			return err
		}
		if n == 0 {
			break
		}
	}

	if f.dataOffset == unusedOffset || f.sizeOffset == unusedOffset {
		f.status = statusError
		return fmt.Errorf("no media data or sample size table found")
	}

	f.dataPos = f.dataOffset
	f.sizePos = f.sizeOffset

	return nil
}

// HasParsedWithWarnings reports whether Parse recorded warnings.
func (f *File) HasParsedWithWarnings() bool {
	return f.status == statusParsedWithWarnings
}

// Warnings returns the warnings recorded by Parse.
func (f *File) Warnings() []string {
	return f.warnings
}

// Encoding returns the encoding of the audio samples.
func (f *File) Encoding() Encoding {
	return f.encoding
}

// Timescale returns the number of time units per second.
func (f *File) Timescale() uint32 {
	return f.timescale
}

// Duration returns the total duration in timescale units.
func (f *File) Duration() uint32 {
	return f.duration
}

// SampleCount returns the number of audio samples.
func (f *File) SampleCount() uint32 {
	return f.samplesCount
}

// TotalSampleSize returns the combined size of all samples in bytes.
func (f *File) TotalSampleSize() uint32 {
	return f.totalSampleSize
}

// LargestSampleSize returns the size of the largest sample in bytes.
func (f *File) LargestSampleSize() uint32 {
	return f.largestSampleSize
}

// Length returns the playing time of the file.
func (f *File) Length() time.Duration {
	if f.timescale == 0 {
		return 0
	}
	secs := f.duration / f.timescale
	rem := f.duration - secs*f.timescale
	return time.Duration(secs)*time.Second +
		time.Duration(uint64(rem)*uint64(time.Second)/uint64(f.timescale))
}

// SeekToTime positions both cursors at the sample that plays at the
// given time offset.
func (f *File) SeekToTime(t time.Duration) error {
	sampleOffset := f.timescale * uint32(t/time.Second) / FramesPerPacket
	if sampleOffset >= f.samplesCount {
		return ErrSeekOutOfRange
	}

	// restart both cursors, then walk the size table
	f.sizePos = f.sizeOffset
	f.dataPos = f.dataOffset

	for ; sampleOffset > 0; sampleOffset-- {
		sampleSize, err := f.readSampleSize()
		if err != nil {
			return err
		}
		f.dataPos += int64(sampleSize)
	}

	return nil
}

// CurrentIndex returns the index of the sample the cursor is
// positioned at.
func (f *File) CurrentIndex() uint32 {
	return uint32((f.sizePos - f.sizeOffset) / 4)
}

// HasMore reports whether samples remain.
func (f *File) HasMore() bool {
	return f.CurrentIndex() < f.samplesCount
}

// NextSample reads the next sample into buf and returns its size. buf
// must hold at least LargestSampleSize bytes.
func (f *File) NextSample(buf []byte) (uint32, error) {
	sampleSize, err := f.readSampleSize()
	if err != nil {
		return 0, err
	}

	if _, err := f.dataFile.ReadAt(buf[:sampleSize], f.dataPos); err != nil {
		return 0, fmt.Errorf("cannot read sample of %d bytes: %w", sampleSize, err)
	}
	f.dataPos += int64(sampleSize)

	return sampleSize, nil
}

func (f *File) readSampleSize() (uint32, error) {
	var b [4]byte
	if _, err := f.sizeFile.ReadAt(b[:], f.sizePos); err != nil {
		return 0, fmt.Errorf("cannot read sample size: %w", err)
	}
	f.sizePos += 4
	return binary.BigEndian.Uint32(b[:]), nil
}

// Close closes both file handles. It keeps going on failure so that
// every resource is released, and reports the first error.
func (f *File) Close() error {
	var err error
	if f.dataFile != nil {
		if e := f.dataFile.Close(); e != nil {
			err = e
		}
		f.dataFile = nil
	}
	if f.sizeFile != nil {
		if e := f.sizeFile.Close(); e != nil && err == nil {
			err = e
		}
		f.sizeFile = nil
	}
	return err
}

func (f *File) warnf(format string, args ...interface{}) {
	f.warnings = append(f.warnings, fmt.Sprintf(format, args...))
	if f.status == statusOK {
		f.status = statusParsedWithWarnings
	}
}

func (f *File) setTimescale(v uint32) {
	f.setTimeValue(v, &f.timescale, "timescale")
}

func (f *File) setDuration(v uint32) {
	f.setTimeValue(v, &f.duration, "duration")
}

// setTimeValue accepts the first meaningful value; 0 and 0xffffffff
// are placeholders and ignored. A later different value wins, with a
// warning.
func (f *File) setTimeValue(v uint32, field *uint32, name string) {
	if v == 0 || v == 0xffffffff {
		return
	}
	if *field == v {
		return
	}
	if *field == 0 {
		*field = v
		return
	}
	f.warnf("multiple different %s values are present; continuing with %d", name, v)
	*field = v
}

// setTotalSampleSize reconciles the stsz sum with the mdat payload
// size; on disagreement the smaller wins so that playback never reads
// past the media data.
func (f *File) setTotalSampleSize(v uint32) {
	if f.totalSampleSize == 0 {
		f.totalSampleSize = v
		return
	}
	if f.totalSampleSize != v {
		f.warnf("sample size table and media data disagree on total size (%d vs %d); playback might be cut off",
			f.totalSampleSize, v)
		if v < f.totalSampleSize {
			f.totalSampleSize = v
		}
	}
}
