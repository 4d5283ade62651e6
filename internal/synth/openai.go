package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	openAIDefaultModel = openai.SpeechModelTTS1HD
	openAIDefaultVoice = "onyx"
)

// OpenAIConfig configures the OpenAI speech engine.
type OpenAIConfig struct {
	APIKey       string
	Model        string // "tts-1-hd" (default), "tts-1", "gpt-4o-mini-tts"
	Voice        string
	Format       string
	Speed        float64 // 0.25-4.0
	Instructions string  // gpt-4o-mini-tts only
	// MaxRetries is the SDK transport retry count. Zero means 2; negative disables.
	MaxRetries int
	Timeout    time.Duration
	BaseURL    string       // Optional (tests)
	HTTPClient *http.Client // Optional (tests)
}

// RateLimitError is returned when the API answers 429.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
	StatusCode int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// OpenAIEngine synthesizes speech with the OpenAI audio API.
type OpenAIEngine struct {
	model        string
	voice        string
	format       openai.AudioSpeechNewParamsResponseFormat
	speed        float64
	instructions string
	client       openai.Client
}

// NewOpenAIEngine creates an engine. It does not contact the API.
func NewOpenAIEngine(cfg OpenAIConfig) *OpenAIEngine {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = openAIDefaultVoice
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = 2
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIEngine{
		model:        cfg.Model,
		voice:        cfg.Voice,
		format:       openAIFormat(cfg.Format),
		speed:        cfg.Speed,
		instructions: strings.TrimSpace(cfg.Instructions),
		client:       openai.NewClient(opts...),
	}
}

func (e *OpenAIEngine) Name() string { return EngineOpenAI }

// HealthCheck verifies the API is reachable and the key is valid.
func (e *OpenAIEngine) HealthCheck(ctx context.Context) error {
	if _, err := e.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai models list failed: %w", mapOpenAIError(err))
	}
	return nil
}

// Synthesize converts one segment to audio.
func (e *OpenAIEngine) Synthesize(ctx context.Context, text string) (*Clip, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(e.model),
		Voice:          openai.AudioSpeechNewParamsVoice(e.voice),
		ResponseFormat: e.format,
		Speed:          openai.Float(e.speed),
	}
	if e.instructions != "" && supportsInstructions(e.model) {
		params.Instructions = openai.String(e.instructions)
	}

	resp, err := e.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading openai audio response: %w", err)
	}

	return &Clip{
		Audio:    audio,
		Format:   resultFormat(e.format),
		Duration: EstimateDuration(text),
	}, nil
}

// EstimateDuration approximates narration time at 150 words per minute,
// counting five characters per word.
func EstimateDuration(text string) time.Duration {
	ms := (len(text) * 60 * 1000) / (150 * 5)
	return time.Duration(ms) * time.Millisecond
}

func supportsInstructions(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-4o-mini-tts")
}

func openAIFormat(format string) openai.AudioSpeechNewParamsResponseFormat {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "opus":
		return openai.AudioSpeechNewParamsResponseFormatOpus
	case "aac":
		return openai.AudioSpeechNewParamsResponseFormatAAC
	case "flac":
		return openai.AudioSpeechNewParamsResponseFormatFLAC
	case "wav":
		return openai.AudioSpeechNewParamsResponseFormatWAV
	default:
		return openai.AudioSpeechNewParamsResponseFormatMP3
	}
}

func resultFormat(format openai.AudioSpeechNewParamsResponseFormat) string {
	switch format {
	case openai.AudioSpeechNewParamsResponseFormatOpus:
		return "opus"
	case openai.AudioSpeechNewParamsResponseFormatAAC:
		return "aac"
	case openai.AudioSpeechNewParamsResponseFormatFLAC:
		return "flac"
	case openai.AudioSpeechNewParamsResponseFormatWAV:
		return "wav"
	default:
		return "mp3"
	}
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return &RateLimitError{
			Message:    fmt.Sprintf("openai rate limited: %s", apiErr.Message),
			RetryAfter: retryAfter,
			StatusCode: apiErr.StatusCode,
		}
	}
	if apiErr.Message != "" {
		return fmt.Errorf("openai tts error (status %d): %s", apiErr.StatusCode, apiErr.Message)
	}
	return fmt.Errorf("openai tts error (status %d)", apiErr.StatusCode)
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
