// Package synth wraps the text-to-speech engines a worker drives. Engines
// are built from a Config and cached per process by the config's hash.
package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const (
	EngineOpenAI = "openai"
	EngineTone   = "tone"

	DefaultFormat = "mp3"
)

// Config selects and tunes a synthesis engine. It travels inside every
// chapter task, so it must never carry credentials.
type Config struct {
	Engine       string            `json:"engine" yaml:"engine"`
	Model        string            `json:"model,omitempty" yaml:"model,omitempty"`
	Voice        string            `json:"voice,omitempty" yaml:"voice,omitempty"`
	Language     string            `json:"language,omitempty" yaml:"language,omitempty"`
	Device       string            `json:"device,omitempty" yaml:"device,omitempty"`
	Format       string            `json:"format,omitempty" yaml:"format,omitempty"`
	Speed        float64           `json:"speed,omitempty" yaml:"speed,omitempty"`
	Instructions string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Extra        map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// WithDefaults fills unset fields. defaultEngine is used when Engine is empty.
func (c Config) WithDefaults(defaultEngine string) Config {
	c.Engine = strings.ToLower(strings.TrimSpace(c.Engine))
	if c.Engine == "" {
		c.Engine = defaultEngine
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		if c.Engine == EngineTone {
			c.Format = "wav"
		} else {
			c.Format = DefaultFormat
		}
	}
	if c.Speed <= 0 {
		c.Speed = 1.0
	}
	return c
}

// Hash identifies the engine a config needs. Two configs with equal hashes
// can share one loaded engine.
func (c Config) Hash() string {
	// Map keys marshal sorted, so the encoding is stable.
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
