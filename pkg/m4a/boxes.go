package m4a

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// BoxType is the four-character code of a MP4 box.
type BoxType uint32

// String implements fmt.Stringer.
func (t BoxType) String() string {
	return string([]byte{
		byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t),
	})
}

func boxID4(a, b, c, d byte) BoxType {
	return BoxType(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

func boxID(s string) BoxType {
	return boxID4(s[0], s[1], s[2], s[3])
}

var (
	boxNone = boxID("<no>")

	boxFtyp = boxID("ftyp")
	boxMoov = boxID("moov")
	boxMvhd = boxID("mvhd")
	boxTrak = boxID("trak")
	boxTkhd = boxID("tkhd")
	boxUdta = boxID("udta")
	boxMdia = boxID("mdia")
	boxMdhd = boxID("mdhd")
	boxHdlr = boxID("hdlr")
	boxMinf = boxID("minf")
	boxSmhd = boxID("smhd")
	boxDinf = boxID("dinf")
	boxDref = boxID("dref")
	boxStbl = boxID("stbl")
	boxStsd = boxID("stsd")
	boxAlac = boxID("alac")
	boxMp4a = boxID("mp4a")
	boxStts = boxID("stts")
	boxStsc = boxID("stsc")
	boxStsz = boxID("stsz")
	boxStco = boxID("stco")
	boxMeta = boxID("meta")
	boxIlst = boxID("ilst")
	boxFree = boxID("free")
	boxMdat = boxID("mdat")

	boxData = boxID("data")
	boxName = boxID("name")
	boxMean = boxID("mean")

	// iTunes annotation container ("----") holding mean/name/data
	// triplets for non-standard metadata.
	boxItunesAnnotation = boxID("----")
)

type boxHandler func(f *File, r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error)

type boxParserEntry struct {
	typ   BoxType
	parse boxHandler
}

// The box parser table maps the audio-related boxes of an M4A file to
// their handlers. Searching is sequential; the table is small and consulted
// less than a hundred times per file.
//
// The trailing entries are the optional iTunes metadata boxes, from
// the mp4v2 wiki and research on existing M4A collections. Movie/tv
// related codes are intentionally absent; in audio files they should
// not appear, and the generic skip-with-warning path handles them if
// they do.
var (
	boxParserTableOnce  sync.Once
	boxParserTableCache []boxParserEntry
)

// buildBoxParserTable returns the box parser table documented above. It
// is built lazily on first use (rather than as a package-level var
// initializer) because its entries refer to handlers that, through
// lookupBoxParser, refer back to the table itself; expressing that as
// a variable initializer would be an initialization cycle.
func buildBoxParserTable() []boxParserEntry {
	boxParserTableOnce.Do(func() {
		boxParserTableCache = []boxParserEntry{
			{boxFtyp, (*File).parseFileType},
			{boxMoov, (*File).parseContainerBox},
			{boxMvhd, (*File).parseMediaHeader},
			{boxTrak, (*File).parseContainerBox},
			{boxTkhd, (*File).parseTrackHeader},
			{boxUdta, (*File).parseContainerBox},
			{boxMdia, (*File).parseContainerBox},
			{boxMdhd, (*File).parseMediaHeader},
			{boxHdlr, (*File).skipBox},
			{boxMinf, (*File).parseContainerBox},
			{boxSmhd, (*File).skipBox},
			{boxDinf, (*File).parseContainerBox},
			{boxDref, (*File).skipBox},
			{boxStbl, (*File).parseContainerBox},
			{boxStsd, (*File).parseSampleDescriptions},
			{boxAlac, (*File).parseSampleDescription},
			{boxMp4a, (*File).parseSampleDescription},
			{boxStts, (*File).parseSampleTimes},
			{boxStsc, (*File).skipBox},
			{boxStsz, (*File).parseSampleSizes},
			{boxStco, (*File).skipBox},
			{boxMeta, (*File).parseMetadata},
			{boxIlst, (*File).parseContainerBox},
			{boxItunesAnnotation, (*File).parseAppleAnnotation},
			{boxFree, (*File).skipBox},
			{boxMdat, (*File).parseMediaData},

			{boxID4(0xa9, 'n', 'a', 'm'), (*File).parseAppleAnnotation}, // name
			{boxID4(0xa9, 'A', 'R', 'T'), (*File).parseAppleAnnotation}, // artist
			{boxID("aART"), (*File).parseAppleAnnotation},               // album artist
			{boxID4(0xa9, 'a', 'l', 'b'), (*File).parseAppleAnnotation}, // album
			{boxID4(0xa9, 'g', 'r', 'p'), (*File).parseAppleAnnotation}, // grouping
			{boxID4(0xa9, 'w', 'r', 't'), (*File).parseAppleAnnotation}, // composer
			{boxID4(0xa9, 'c', 'm', 't'), (*File).parseAppleAnnotation}, // comment
			{boxID("gnre"), (*File).parseAppleAnnotation},               // genre
			{boxID4(0xa9, 'g', 'e', 'n'), (*File).parseAppleAnnotation}, // genre, user defined
			{boxID4(0xa9, 'd', 'a', 'y'), (*File).parseAppleAnnotation}, // release date
			{boxID("trkn"), (*File).parseAppleAnnotation},               // track number
			{boxID("disk"), (*File).parseAppleAnnotation},               // disc number
			{boxID("tmpo"), (*File).parseAppleAnnotation},               // tempo
			{boxID("cpil"), (*File).parseAppleAnnotation},               // compilation
			{boxID("desc"), (*File).parseAppleAnnotation},               // description
			{boxID("ldes"), (*File).parseAppleAnnotation},               // long description
			{boxID4(0xa9, 'l', 'y', 'r'), (*File).parseAppleAnnotation}, // lyrics
			{boxID("sonm"), (*File).parseAppleAnnotation},               // sort name
			{boxID("soar"), (*File).parseAppleAnnotation},               // sort artist
			{boxID("soaa"), (*File).parseAppleAnnotation},               // sort album artist
			{boxID("soal"), (*File).parseAppleAnnotation},               // sort album
			{boxID("soco"), (*File).parseAppleAnnotation},               // sort composer
			{boxID("sosn"), (*File).parseAppleAnnotation},               // sort show
			{boxID("covr"), (*File).parseAppleAnnotation},               // cover art
			{boxID("cprt"), (*File).parseAppleAnnotation},               // copyright
			{boxID4(0xa9, 't', 'o', 'o'), (*File).parseAppleAnnotation}, // encoding tool
			{boxID4(0xa9, 'e', 'n', 'c'), (*File).parseAppleAnnotation}, // encoded by
			{boxID("purd"), (*File).parseAppleAnnotation},               // purchase date
			{boxID("pcst"), (*File).parseAppleAnnotation},               // podcast
			{boxID("purl"), (*File).parseAppleAnnotation},               // podcast URL
			{boxID("keyw"), (*File).parseAppleAnnotation},               // keywords
			{boxID("catg"), (*File).parseAppleAnnotation},               // category
			{boxID("stik"), (*File).parseAppleAnnotation},               // media type
			{boxID("rtng"), (*File).parseAppleAnnotation},               // content rating
			{boxID("pgap"), (*File).parseAppleAnnotation},               // gapless playback
			{boxID("apID"), (*File).parseAppleAnnotation},               // purchase account
			{boxID("akID"), (*File).parseAppleAnnotation},               // account type
			{boxID("cnID"), (*File).parseAppleAnnotation},
			{boxID("sfID"), (*File).parseAppleAnnotation}, // country code
			{boxID("atID"), (*File).parseAppleAnnotation},
			{boxID("plID"), (*File).parseAppleAnnotation},
			{boxID("geID"), (*File).parseAppleAnnotation},
			{boxID4(0xa9, 's', 't', '3'), (*File).parseAppleAnnotation},
		}
	})
	return boxParserTableCache
}

func lookupBoxParser(typ BoxType) boxHandler {
	for _, e := range buildBoxParserTable() {
		if e.typ == typ {
			return e.parse
		}
	}
	return nil
}

// boxReader reads the box tree sequentially, tracking the absolute
// file position so that offsets can be recorded without seeking.
type boxReader struct {
	br  *bufio.Reader
	pos int64
}

func (r *boxReader) readUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.br, b[:]); err != nil {
		return 0, err
	}
	r.pos += 4
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *boxReader) readFull(b []byte) error {
	if _, err := io.ReadFull(r.br, b); err != nil {
		return err
	}
	r.pos += int64(len(b))
	return nil
}

func (r *boxReader) skip(n uint32) error {
	discarded, err := r.br.Discard(int(n))
	r.pos += int64(discarded)
	if err != nil {
		return fmt.Errorf("cannot skip %d bytes: %w", n, err)
	}
	return nil
}

// parseBox reads one box header and dispatches to the matching
// handler. It returns the total number of bytes consumed, header
// included; zero means a clean end of file at the top level.
func (f *File) parseBox(r *boxReader, container BoxType) (uint32, error) {
	boxSize, err := r.readUint32()
	if err != nil {
		if container == boxNone &&
			(errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			// end of the top-level box sequence. Up to 3
			// superfluous trailing bytes go undetected; an
			// acceptable tradeoff for not special-casing the
			// final read.
			return 0, nil
		}
		return 0, fmt.Errorf("cannot read box size inside box %q: %w", container, err)
	}

	boxType, err := r.readUint32()
	if err != nil {
		return 0, fmt.Errorf("cannot read box type inside box %q: %w", container, err)
	}
	typ := BoxType(boxType)

	if boxSize < 8 {
		return 0, fmt.Errorf("box %q has invalid size %d", typ, boxSize)
	}

	boxBytesRead := uint32(8)

	parse := lookupBoxParser(typ)
	if parse != nil {
		n, err := parse(f, r, typ, boxSize-boxBytesRead)
		if err != nil {
			return 0, err
		}
		boxBytesRead += n
	}

	if boxBytesRead < boxSize {
		if parse == nil {
			f.warnf("box type %q is not known by the parser; its content (%d bytes) is skipped",
				typ, boxSize-boxBytesRead)
		} else {
			f.warnf("box %q was not read completely by its parser; the remainder (%d bytes) is skipped",
				typ, boxSize-boxBytesRead)
		}
		if err := r.skip(boxSize - boxBytesRead); err != nil {
			return 0, err
		}
		boxBytesRead = boxSize
	} else if boxBytesRead > boxSize {
		f.warnf("parsing box %q consumed more data than its size; continuing, but parsing might fail", typ)
	}

	return boxBytesRead, nil
}

func (f *File) parseFileType(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	if bytesLeft < 8 {
		return 0, fmt.Errorf("not enough data in box %q", typ)
	}

	mainType, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	mainVersion, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	if BoxType(mainType) != boxID("M4A ") || mainVersion != 0 {
		f.warnf("unknown file type %q or version 0x%x; continuing, but parsing might fail",
			BoxType(mainType), mainVersion)
	}

	// skip remaining compatible brands
	if err := r.skip(bytesLeft - 8); err != nil {
		return 0, err
	}

	return bytesLeft, nil
}

// parseMediaHeader handles both mvhd and mdhd; they carry the
// timescale and duration at the same offsets.
func (f *File) parseMediaHeader(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	version, _, err := f.checkVersionAndFlags(r, typ, 0, 0x00ffffff)
	if err != nil {
		return 0, err
	}

	need := uint32(20)
	if version == 1 {
		need = 32
	}
	if bytesLeft < need {
		return 0, fmt.Errorf("not enough data in box %q", typ)
	}

	// creation and modification time: 2x 4 bytes for version 0,
	// 2x 8 bytes for version 1
	skip := uint32(8)
	if version == 1 {
		skip = 16
	}
	if err := r.skip(skip); err != nil {
		return 0, err
	}

	timescale, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	f.setTimescale(timescale)

	if err := f.readDuration(r, typ, version); err != nil {
		return 0, err
	}

	// rest of the box holds volume, window geometry and next track
	// id
	if err := r.skip(bytesLeft - need); err != nil {
		return 0, err
	}

	return bytesLeft, nil
}

func (f *File) parseTrackHeader(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	// the 3 lowest flag bits are defined for tkhd but unimportant
	// here
	version, _, err := f.checkVersionAndFlags(r, typ, 0, 0x00fffff8)
	if err != nil {
		return 0, err
	}

	need := uint32(28)
	if version == 1 {
		need = 40
	}
	if bytesLeft < need {
		return 0, fmt.Errorf("not enough data in box %q", typ)
	}

	// creation time, modification time, track id and a reserved
	// value
	skip := uint32(16)
	if version == 1 {
		skip = 24
	}
	if err := r.skip(skip); err != nil {
		return 0, err
	}

	// the next 4 bytes are reserved per the MP4 spec, but iTunes
	// stores a duration in timescale units there
	undocumentedDuration, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	f.setDuration(undocumentedDuration)

	if err := f.readDuration(r, typ, version); err != nil {
		return 0, err
	}

	if err := r.skip(bytesLeft - need); err != nil {
		return 0, err
	}

	return bytesLeft, nil
}

func (f *File) parseSampleDescriptions(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	if _, _, err := f.checkVersionAndFlags(r, typ, 0, 0x00ffffff); err != nil {
		return 0, err
	}

	// description count
	if err := r.skip(4); err != nil {
		return 0, err
	}

	n, err := f.parseContainer(r, typ, bytesLeft-8)
	if err != nil {
		return 0, err
	}

	return 8 + n, nil
}

func (f *File) parseSampleDescription(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	switch typ {
	case boxAlac:
		if f.encoding != EncodingUnknown && f.encoding != EncodingALAC {
			f.warnf("contradicting encodings in file (both ALAC and AAC); continuing with the first one found")
		} else {
			f.encoding = EncodingALAC
		}

	case boxMp4a:
		if f.encoding != EncodingUnknown && f.encoding != EncodingAAC {
			f.warnf("contradicting encodings in file (both ALAC and AAC); continuing with the first one found")
		} else {
			f.encoding = EncodingAAC
			f.warnf("file contains AAC audio; receivers expect Apple Lossless")
		}
	}

	return f.skipBox(r, typ, bytesLeft)
}

func (f *File) parseSampleTimes(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	if _, _, err := f.checkVersionAndFlags(r, typ, 0, 0x00ffffff); err != nil {
		return 0, err
	}

	numberOfTimings, err := r.readUint32()
	if err != nil {
		return 0, err
	}

	var totalDuration uint32
	for i := uint32(0); i < numberOfTimings; i++ {
		frameCount, err := r.readUint32()
		if err != nil {
			return 0, err
		}
		duration, err := r.readUint32()
		if err != nil {
			return 0, err
		}
		totalDuration += frameCount * duration
	}
	f.setDuration(totalDuration)

	return 8 + numberOfTimings*8, nil
}

func (f *File) parseSampleSizes(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	if _, _, err := f.checkVersionAndFlags(r, typ, 0, 0x00ffffff); err != nil {
		return 0, err
	}

	// a non-zero fixed size would mean there is no size table;
	// probably used by uncompressed variants only
	sampleSizeForAll, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	if sampleSizeForAll != 0 {
		f.warnf("the fixed sample size for all samples is %d, expected 0; continuing, but parsing might fail",
			sampleSizeForAll)
	}

	samplesCount, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	f.samplesCount = samplesCount

	// the table itself is re-read during playback
	f.sizeOffset = r.pos

	var totalSampleSize uint32
	var largestSampleSize uint32
	for i := uint32(0); i < samplesCount; i++ {
		sampleSize, err := r.readUint32()
		if err != nil {
			return 0, err
		}
		totalSampleSize += sampleSize
		if sampleSize > largestSampleSize {
			largestSampleSize = sampleSize
		}
	}
	f.setTotalSampleSize(totalSampleSize)
	f.largestSampleSize = largestSampleSize

	return 12 + samplesCount*4, nil
}

func (f *File) parseMediaData(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	f.dataOffset = r.pos
	f.setTotalSampleSize(bytesLeft)

	return f.skipBox(r, typ, bytesLeft)
}

func (f *File) parseMetadata(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	if _, _, err := f.checkVersionAndFlags(r, typ, 0, 0x00ffffff); err != nil {
		return 0, err
	}

	n, err := f.parseContainer(r, typ, bytesLeft-4)
	if err != nil {
		return 0, err
	}

	return 4 + n, nil
}

func (f *File) parseAppleAnnotation(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	var containerSize uint32
	for f.status != statusError && containerSize < bytesLeft {
		n, err := f.parseAppleData(r, typ)
		if err != nil {
			return 0, err
		}
		containerSize += n
	}

	if containerSize > bytesLeft {
		f.warnf("read more data in box(es) than container %q specified; continuing, but parsing might fail", typ)
	}

	return containerSize, nil
}

// parseAppleData parses one sub-box of an iTunes annotation: 'data'
// holds the metadata content, 'mean' and 'name' qualify the
// free-form "----" annotations.
func (f *File) parseAppleData(r *boxReader, annotationType BoxType) (uint32, error) {
	boxSize, err := r.readUint32()
	if err != nil {
		return 0, fmt.Errorf("cannot read box size inside box %q: %w", annotationType, err)
	}

	rawType, err := r.readUint32()
	if err != nil {
		return 0, fmt.Errorf("cannot read box type inside box %q: %w", annotationType, err)
	}
	typ := BoxType(rawType)
	isDataBox := typ == boxData

	if boxSize < 12 {
		return 0, fmt.Errorf("box %q inside %q has invalid size %d", typ, annotationType, boxSize)
	}

	// the 5 lowest flag bits carry the metadata content type
	_, flags, err := f.checkVersionAndFlags(r, typ, 0, 0x00ffffe0)
	if err != nil {
		return 0, err
	}
	metadataType := flags & 0x1f

	boxBytesRead := uint32(12)

	// 'data' carries a 4-byte locale indicator before the content
	if isDataBox {
		if boxSize < 16 {
			return 0, fmt.Errorf("box %q inside %q has invalid size %d", typ, annotationType, boxSize)
		}
		if err := r.skip(4); err != nil {
			return 0, err
		}
		boxBytesRead += 4
	}

	if boxBytesRead < boxSize {
		contentSize := boxSize - boxBytesRead
		if f.OnMetadata != nil {
			data := make([]byte, contentSize)
			if err := r.readFull(data); err != nil {
				return 0, err
			}

			// free-form annotations are identified by their
			// sub-box, named annotations by their own code
			reportedType := annotationType
			if annotationType == boxItunesAnnotation {
				reportedType = typ
			}
			f.OnMetadata(reportedType, data, metadataType)
		} else {
			if err := r.skip(contentSize); err != nil {
				return 0, err
			}
		}
		boxBytesRead = boxSize
	} else if boxBytesRead > boxSize {
		f.warnf("read more data in Apple data box(es) than container %q specified; continuing, but parsing might fail",
			annotationType)
	}

	return boxBytesRead, nil
}

func (f *File) skipBox(r *boxReader, _ BoxType, bytesLeft uint32) (uint32, error) {
	if err := r.skip(bytesLeft); err != nil {
		return 0, err
	}
	return bytesLeft, nil
}

func (f *File) parseContainerBox(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	return f.parseContainer(r, typ, bytesLeft)
}

func (f *File) parseContainer(r *boxReader, typ BoxType, bytesLeft uint32) (uint32, error) {
	var containerSize uint32
	for f.status != statusError && containerSize < bytesLeft {
		n, err := f.parseBox(r, typ)
		if err != nil {
			return 0, err
		}
		containerSize += n
	}

	if containerSize > bytesLeft {
		f.warnf("read more data in box(es) than container %q specified; continuing, but parsing might fail", typ)
	}

	return containerSize, nil
}

// checkVersionAndFlags reads the 4-byte version+flags field common to
// full boxes. An unexpected version or non-zero flag bits under offMask
// are warnings, not errors.
func (f *File) checkVersionAndFlags(r *boxReader, typ BoxType, expectedVersion uint8, offMask uint32) (uint8, uint32, error) {
	versionAndFlags, err := r.readUint32()
	if err != nil {
		return 0, 0, fmt.Errorf("cannot read version and flags for box %q: %w", typ, err)
	}

	version := uint8(versionAndFlags >> 24)
	if version != expectedVersion {
		f.warnf("version byte of box %q is 0x%x, expected 0x%x; continuing, but parsing might fail",
			typ, version, expectedVersion)
	}

	flags := versionAndFlags & 0x00ffffff
	if flags&offMask != 0 {
		f.warnf("flags of box %q are 0x%x, expected zero bits under mask 0x%x; continuing, but parsing might fail",
			typ, flags, offMask)
	}

	return version, flags, nil
}

// readDuration reads a version-gated duration field. Version 1 boxes
// store 64 bits; values that do not fit 32 bits cannot be handled,
// except all-ones which means "unknown" and is ignored.
func (f *File) readDuration(r *boxReader, typ BoxType, version uint8) error {
	hasUnknownDuration := false
	if version == 1 {
		value, err := r.readUint32()
		if err != nil {
			return err
		}
		if value == 0xffffffff {
			hasUnknownDuration = true
		} else if value != 0 {
			return fmt.Errorf("cannot handle 64-bit duration values larger than 0x00000000ffffffff in box %q", typ)
		}
	}

	value, err := r.readUint32()
	if err != nil {
		return err
	}
	if hasUnknownDuration && value != 0xffffffff {
		return fmt.Errorf("cannot handle 64-bit duration values larger than 0x00000000ffffffff in box %q", typ)
	}
	f.setDuration(value)

	return nil
}
