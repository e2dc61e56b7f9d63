package media

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jonas747/dca"
)

const (
	// dcaMagic opens a DCA1 file. Files without it are treated as raw
	// DCA0: a bare sequence of length-prefixed opus frames.
	dcaMagic = "DCA1"

	// FrameDuration is the audio carried by one opus frame. Discord voice
	// runs 48 kHz stereo with 20ms frames.
	FrameDuration = 20 * time.Millisecond

	// maxFrameSize bounds a single opus frame. Anything larger means the
	// file is not DCA.
	maxFrameSize = 4000
)

// Clip is a decoded DCA file held in memory.
type Clip struct {
	Name   string
	Title  string
	Frames [][]byte
}

// Duration returns the playback length of the clip.
func (c *Clip) Duration() time.Duration {
	return time.Duration(len(c.Frames)) * FrameDuration
}

// DecodeClip reads every frame of a DCA stream.
func DecodeClip(name string, src io.Reader) (clip *Clip, err error) {
	// dca sizes frame buffers straight from the length prefix, and a
	// negative prefix panics in make.
	defer func() {
		if p := recover(); p != nil {
			clip, err = nil, fmt.Errorf("corrupt dca stream: %v", p)
		}
	}()

	r := bufio.NewReader(src)
	clip = &Clip{Name: name}
	next := func() ([]byte, error) { return dca.DecodeFrame(r) }

	magic, perr := r.Peek(len(dcaMagic))
	if perr != nil && !errors.Is(perr, io.EOF) {
		return nil, fmt.Errorf("reading dca magic: %w", perr)
	}
	if string(magic) == dcaMagic {
		dec := dca.NewDecoder(r)
		if err := dec.ReadMetadata(); err != nil {
			return nil, fmt.Errorf("parsing dca header: %w", err)
		}
		if dec.Metadata != nil && dec.Metadata.SongInfo != nil {
			clip.Title = dec.Metadata.SongInfo.Title
		}
		next = dec.OpusFrame
	}

	for {
		frame, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading frame %d: %w", len(clip.Frames), err)
		}
		if len(frame) == 0 || len(frame) > maxFrameSize {
			return nil, fmt.Errorf("frame %d size %d out of range", len(clip.Frames), len(frame))
		}
		clip.Frames = append(clip.Frames, frame)
	}
	if len(clip.Frames) == 0 {
		return nil, errors.New("dca stream has no frames")
	}
	return clip, nil
}

// LoadClip opens and decodes a DCA file.
func LoadClip(name, path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening clip: %w", err)
	}
	defer f.Close()

	clip, err := DecodeClip(name, f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return clip, nil
}

// ValidateClipFile checks that path holds a playable DCA stream and returns
// its frame count and duration.
func ValidateClipFile(path string) (frames int, duration time.Duration, err error) {
	clip, err := LoadClip(path, path)
	if err != nil {
		return 0, 0, err
	}
	return len(clip.Frames), clip.Duration(), nil
}
