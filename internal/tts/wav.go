package tts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Gain bounds in decibels.
const (
	MinGainDB = -60.0
	MaxGainDB = 24.0
)

const formatWAV = "wav"

// ClampGain limits db to [MinGainDB, MaxGainDB].
func ClampGain(db float64) float64 {
	return math.Max(MinGainDB, math.Min(MaxGainDB, db))
}

// ApplyGain scales the samples of a PCM WAV clip by db decibels, clamped to
// the supported range. Samples saturate at the bit depth limits.
func ApplyGain(clip Audio, db float64) (Audio, error) {
	db = ClampGain(db)
	if db == 0 {
		return clip, nil
	}
	buf, err := decodeWAV(clip.Data)
	if err != nil {
		return clip, err
	}
	depth := buf.SourceBitDepth
	if depth != 16 && depth != 24 && depth != 32 {
		return clip, fmt.Errorf("unsupported bit depth %d", depth)
	}
	hi := float64(int64(1)<<(depth-1) - 1)
	lo := -float64(int64(1) << (depth - 1))
	factor := math.Pow(10, db/20)
	for i, v := range buf.Data {
		scaled := math.Round(float64(v) * factor)
		buf.Data[i] = int(math.Max(lo, math.Min(hi, scaled)))
	}
	data, err := encodeWAV(buf, depth)
	if err != nil {
		return clip, err
	}
	return Audio{Format: formatWAV, Data: data}, nil
}

// EncodePCM16 wraps little-endian signed 16-bit PCM in a WAV container.
func EncodePCM16(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("pcm payload not aligned")
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)/2),
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return encodeWAV(buf, 16)
}

func decodeWAV(data []byte) (*audio.IntBuffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, errors.New("not a wav file")
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("unsupported wav format %d", dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.SourceBitDepth == 0 {
		buf.SourceBitDepth = int(dec.BitDepth)
	}
	return buf, nil
}

// resamplePCM16 converts buf to little-endian signed 16-bit PCM at rate Hz
// with channels channels (1 or 2), interpolating linearly between frames.
// 8-bit WAV samples are unsigned and are re-centred before scaling.
func resamplePCM16(buf *audio.IntBuffer, rate, channels int) ([]byte, error) {
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, errors.New("wav has no channels")
	}
	if buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid wav sample rate %d", buf.Format.SampleRate)
	}
	if rate <= 0 || channels < 1 || channels > 2 {
		return nil, fmt.Errorf("invalid output format %d Hz x%d", rate, channels)
	}
	src := buf.Format.NumChannels
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	sample := func(v int) float64 {
		if depth == 8 {
			v -= 128
		}
		if depth > 16 {
			return float64(v >> (depth - 16))
		}
		return float64(v << (16 - depth))
	}

	frames := len(buf.Data) / src
	if frames == 0 {
		return nil, nil
	}
	mono := make([]float64, frames)
	stereo := make([][2]float64, frames)
	for i := 0; i < frames; i++ {
		left := sample(buf.Data[i*src])
		right := left
		if src > 1 {
			right = sample(buf.Data[i*src+1])
		}
		stereo[i] = [2]float64{left, right}
		mono[i] = (left + right) / 2
	}

	ratio := float64(buf.Format.SampleRate) / float64(rate)
	outFrames := int(float64(frames) / ratio)
	out := make([]byte, 0, outFrames*channels*2)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		next := min(j+1, frames-1)
		if channels == 1 {
			out = appendSample(out, mono[j]+(mono[next]-mono[j])*frac)
			continue
		}
		for c := 0; c < 2; c++ {
			out = appendSample(out, stereo[j][c]+(stereo[next][c]-stereo[j][c])*frac)
		}
	}
	return out, nil
}

func appendSample(b []byte, v float64) []byte {
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return binary.LittleEndian.AppendUint16(b, uint16(int16(v)))
}

func encodeWAV(buf *audio.IntBuffer, depth int) ([]byte, error) {
	out := &seekBuffer{}
	enc := wav.NewEncoder(out, buf.Format.SampleRate, depth, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// seekBuffer is an in-memory io.WriteSeeker for the wav encoder, which
// rewrites the header sizes on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	if end := b.pos + len(p); end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	n := copy(b.buf[b.pos:], p)
	b.pos += n
	return n, nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(next)
	return next, nil
}
