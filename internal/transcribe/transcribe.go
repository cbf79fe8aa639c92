// Package transcribe turns a downloaded video into plain text, either with a
// local whisper.cpp binary or an OpenAI-compatible transcription API.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	BackendWhisperCPP = "whisper-cpp"
	BackendAPI        = "api"
)

// ErrEmptyTranscript is returned when the engine produced no text.
var ErrEmptyTranscript = errors.New("transcript is empty")

// Transcriber converts a media file to text.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, mediaPath, language string) (string, error)
	// Check verifies that binaries, models or credentials are in place.
	Check(ctx context.Context) error
}

// Options selects and configures a backend.
type Options struct {
	Backend     string
	FFmpegPath  string
	WhisperPath string
	WhisperArgs string
	ModelPath   string
	APIBase     string
	APIKey      string
	APIModel    string
}

// New builds the transcriber named by opts.Backend.
func New(opts Options, logger *zap.SugaredLogger) (Transcriber, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendWhisperCPP:
		return NewWhisperCPP(opts.FFmpegPath, opts.WhisperPath, opts.ModelPath, opts.WhisperArgs, logger)
	case BackendAPI:
		return NewAPIClient(opts.APIBase, opts.APIKey, opts.APIModel, opts.FFmpegPath, logger), nil
	}
	return nil, errors.Newf("unknown transcriber backend %q (want %s or %s)", opts.Backend, BackendWhisperCPP, BackendAPI)
}

// EnsureReady checks that t can run and reports progress to w.
func EnsureReady(ctx context.Context, t Transcriber, w io.Writer) error {
	fmt.Fprintf(w, "transcriber %s: checking...\n", t.Name())
	if err := t.Check(ctx); err != nil {
		return errors.Wrapf(err, "transcriber %s is not ready", t.Name())
	}
	fmt.Fprintf(w, "transcriber %s: ready\n", t.Name())
	return nil
}

// normalizeLanguage maps "auto" and empty language to no override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}
