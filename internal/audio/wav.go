package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps 16-bit little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid pcm format %+v", format)
	}
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:   PCMToInts(pcm),
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// DecodeWAV extracts 16-bit PCM from a WAV blob. Other bit depths are
// rescaled to 16 bits.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("decode wav: %w", err)
	}
	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	shift := int(dec.BitDepth) - 16
	samples := buf.Data
	if shift != 0 {
		samples = make([]int, len(buf.Data))
		for i, s := range buf.Data {
			if shift > 0 {
				samples[i] = s >> shift
			} else {
				samples[i] = s << -shift
			}
		}
	}
	return IntsToPCM(samples), format, nil
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func PCMToInts(pcm []byte) []int {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples
}

func IntsToPCM(samples []int) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		s = max(min(s, math.MaxInt16), math.MinInt16)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return pcm
}

// seekBuffer is an in-memory io.WriteSeeker for the wav encoder, which
// rewrites its header on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if end := s.pos + len(p); end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	n := copy(s.buf[s.pos:], p)
	s.pos += n
	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(s.pos) + offset
	case io.SeekEnd:
		next = int64(len(s.buf)) + offset
	default:
		return 0, errors.New("seekBuffer: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("seekBuffer: negative position")
	}
	s.pos = int(next)
	return next, nil
}
