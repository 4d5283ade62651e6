package synth

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidWAV = errors.New("invalid wav data")

// wavFormat is the subset of a RIFF fmt chunk needed to join PCM streams.
type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

func (f wavFormat) bytesPerSecond() int {
	return int(f.SampleRate) * int(f.Channels) * int(f.BitsPerSample) / 8
}

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bits = 16
	blockAlign := channels * bits / 8

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// decodeWAV walks the RIFF chunks and returns the format and PCM payload.
func decodeWAV(data []byte) (wavFormat, []byte, error) {
	var f wavFormat
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return f, nil, ErrInvalidWAV
	}

	var (
		pcm     []byte
		haveFmt bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return f, nil, fmt.Errorf("%w: chunk %q overruns data", ErrInvalidWAV, id)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return f, nil, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			c := data[body : body+size]
			f.AudioFormat = binary.LittleEndian.Uint16(c[0:2])
			f.Channels = binary.LittleEndian.Uint16(c[2:4])
			f.SampleRate = binary.LittleEndian.Uint32(c[4:8])
			f.BitsPerSample = binary.LittleEndian.Uint16(c[14:16])
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}

	if !haveFmt || pcm == nil {
		return f, nil, fmt.Errorf("%w: missing fmt or data chunk", ErrInvalidWAV)
	}
	return f, pcm, nil
}

// JoinWAV concatenates WAV files that share one PCM format.
func JoinWAV(parts [][]byte) ([]byte, error) {
	if len(parts) == 0 {
		return nil, errors.New("no wav parts")
	}

	var (
		format wavFormat
		pcm    bytes.Buffer
	)
	for i, part := range parts {
		f, data, err := decodeWAV(part)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		if i == 0 {
			format = f
		} else if f != format {
			return nil, fmt.Errorf("part %d: format %+v differs from %+v", i, f, format)
		}
		pcm.Write(data)
	}
	if format.AudioFormat != 1 || format.BitsPerSample != 16 {
		return nil, fmt.Errorf("%w: only 16-bit PCM can be joined", ErrInvalidWAV)
	}
	return EncodeWAV(pcm.Bytes(), int(format.SampleRate), int(format.Channels)), nil
}

// WAVDuration returns the playing time of a WAV file.
func WAVDuration(data []byte) (time.Duration, error) {
	f, pcm, err := decodeWAV(data)
	if err != nil {
		return 0, err
	}
	bps := f.bytesPerSecond()
	if bps == 0 {
		return 0, fmt.Errorf("%w: zero byte rate", ErrInvalidWAV)
	}
	return time.Duration(len(pcm)) * time.Second / time.Duration(bps), nil
}
