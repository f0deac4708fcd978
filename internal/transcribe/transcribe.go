// Package transcribe converts recorded audio instructions into text.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/breeze-rmm/voicetask/internal/logging"
)

// MaxAudioSize bounds the audio file read into memory.
const MaxAudioSize = 25 << 20

// Transcriber turns an audio file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
}

// Settings select and configure the speech-to-text backend.
type Settings struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// New builds the backend named by s.Provider.
func New(ctx context.Context, s Settings, logger *zap.Logger) (Transcriber, error) {
	logger = logging.OrNop(logger).Named("transcribe")
	switch s.Provider {
	case "", "openai":
		return NewWhisperClient(s.BaseURL, s.Model, s.APIKey, s.Timeout, s.MaxRetries, logger), nil
	case "gemini":
		g, err := NewGeminiTranscriber(ctx, s.APIKey, s.Model, s.BaseURL)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", s.Provider)
	}
}

// readAudio loads the file, rejecting missing, empty or oversized input.
func readAudio(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("audio file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("audio file %s is a directory", path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("audio file %s is empty", path)
	}
	if info.Size() > MaxAudioSize {
		return nil, fmt.Errorf("audio file %s exceeds %d bytes", path, MaxAudioSize)
	}
	return os.ReadFile(path)
}

// mimeType guesses the audio content type from the file extension.
func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "audio/mp3"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".m4a", ".aac":
		return "audio/aac"
	case ".webm":
		return "audio/webm"
	default:
		return "audio/wav"
	}
}

// WhisperClient posts audio to an OpenAI-compatible transcription endpoint.
type WhisperClient struct {
	endpoint   string
	model      string
	apiKey     string
	http       *http.Client
	maxRetries int
	logger     *zap.Logger
}

// NewWhisperClient creates a transcription client.
func NewWhisperClient(baseURL, model, apiKey string, timeout time.Duration, maxRetries int, logger *zap.Logger) *WhisperClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if model == "" {
		model = "whisper-1"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &WhisperClient{
		endpoint:   strings.TrimRight(baseURL, "/") + "/audio/transcriptions",
		model:      model,
		apiKey:     apiKey,
		http:       &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logging.OrNop(logger),
	}
}

type transcriptionResponse struct {
	Text  string `json:"text"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Transcribe uploads the file and returns the trimmed transcript.
func (c *WhisperClient) Transcribe(ctx context.Context, audioPath string) (string, error) {
	data, err := readAudio(audioPath)
	if err != nil {
		return "", err
	}

	text, err := retry.DoWithData(func() (string, error) {
		return c.post(ctx, filepath.Base(audioPath), data)
	},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", filepath.Base(audioPath), err)
	}

	c.logger.Debug("audio transcribed", zap.Int("bytes", len(data)), zap.Int("chars", len(text)))
	return text, nil
}

func (c *WhisperClient) post(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", c.model); err != nil {
		return "", retry.Unrecoverable(err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", retry.Unrecoverable(err)
	}
	if _, err := part.Write(data); err != nil {
		return "", retry.Unrecoverable(err)
	}
	if err := mw.Close(); err != nil {
		return "", retry.Unrecoverable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var decoded transcriptionResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := resp.Status
		if decodeErr == nil && decoded.Error != nil && decoded.Error.Message != "" {
			msg = fmt.Sprintf("%s: %s", resp.Status, decoded.Error.Message)
		}
		statusErr := fmt.Errorf("transcription endpoint returned %s", msg)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Unrecoverable(statusErr)
		}
		return "", statusErr
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	return strings.TrimSpace(decoded.Text), nil
}

const geminiInstruction = "Transcribe the spoken instruction in this audio. Reply with the transcript only."

// GeminiTranscriber sends audio inline to a Gemini model.
type GeminiTranscriber struct {
	client *genai.Client
	model  string
}

// NewGeminiTranscriber creates a Gemini-backed transcriber.
func NewGeminiTranscriber(ctx context.Context, apiKey, model, baseURL string) (*GeminiTranscriber, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiTranscriber{client: client, model: model}, nil
}

// Transcribe returns the model's transcript of the audio file.
func (g *GeminiTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	data, err := readAudio(audioPath)
	if err != nil {
		return "", err
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(geminiInstruction),
			genai.NewPartFromBytes(data, mimeType(audioPath)),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return "", fmt.Errorf("gemini transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}
