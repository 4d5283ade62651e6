package synth

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

const (
	toneSampleRate = 8000
	toneWordTime   = 400 * time.Millisecond
)

// ToneEngine renders each word as a short sine tone. It needs no model or
// network, so it serves local runs and tests that want real WAV output.
type ToneEngine struct {
	freq  float64
	speed float64
}

// NewToneEngine derives a pitch from the configured voice.
func NewToneEngine(cfg Config) *ToneEngine {
	h := fnv.New32a()
	h.Write([]byte(cfg.Voice))
	speed := cfg.Speed
	if speed <= 0 {
		speed = 1
	}
	return &ToneEngine{
		freq:  220 + float64(h.Sum32()%440),
		speed: speed,
	}
}

func (e *ToneEngine) Name() string { return EngineTone }

func (e *ToneEngine) Synthesize(ctx context.Context, text string) (*Clip, error) {
	words := len(strings.Fields(text))
	if words == 0 {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	perWord := int(float64(toneSampleRate) * toneWordTime.Seconds() / e.speed)
	samples := perWord * words
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		// A short gap at the end of every word.
		var v float64
		if i%perWord < perWord*4/5 {
			v = math.Sin(2 * math.Pi * e.freq * float64(i) / toneSampleRate)
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*8000)))
	}

	return &Clip{
		Audio:    EncodeWAV(pcm, toneSampleRate, 1),
		Format:   "wav",
		Duration: time.Duration(samples) * time.Second / toneSampleRate,
	}, nil
}
