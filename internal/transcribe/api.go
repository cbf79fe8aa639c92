package transcribe

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	defaultAPIModel = "whisper-1"
	apiTimeout      = 10 * time.Minute
)

var videoExts = map[string]bool{".mp4": true, ".mov": true, ".mkv": true, ".webm": true}

// APIClient uploads audio to an OpenAI-compatible /audio/transcriptions endpoint.
// Video inputs are reduced to an mp3 track with ffmpeg first.
type APIClient struct {
	baseURL    string
	apiKey     string
	model      string
	ffmpegPath string
	httpClient *http.Client
	logger     *zap.SugaredLogger

	runner    commandRunner
	lookPath  func(file string) (string, error)
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
}

func NewAPIClient(baseURL, apiKey, model, ffmpegPath string, logger *zap.SugaredLogger) *APIClient {
	if model == "" {
		model = defaultAPIModel
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		ffmpegPath: ffmpegPath,
		httpClient: &http.Client{Timeout: apiTimeout},
		logger:     logger,
		runner:     &execRunner{},
		lookPath:   exec.LookPath,
		mkdirTemp:  os.MkdirTemp,
		removeAll:  os.RemoveAll,
	}
}

func (c *APIClient) Name() string { return BackendAPI }

func (c *APIClient) Check(ctx context.Context) error {
	if c.baseURL == "" {
		return errors.New("transcriber.api_base is not set")
	}
	if c.apiKey == "" {
		return errors.New("transcriber.api_key is not set")
	}
	if _, err := c.lookPath(c.ffmpegPath); err != nil {
		return errors.Wrapf(err, "locating %s", c.ffmpegPath)
	}
	return nil
}

func (c *APIClient) Transcribe(ctx context.Context, mediaPath, language string) (string, error) {
	upload := mediaPath
	if videoExts[strings.ToLower(filepath.Ext(mediaPath))] {
		tempDir, err := c.mkdirTemp("", "vidvault-audio-*")
		if err != nil {
			return "", &PipelineError{Stage: "preprocessing", Message: "failed to create temporary workspace", Err: err}
		}
		defer c.removeAll(tempDir)

		upload = filepath.Join(tempDir, "audio.mp3")
		args := buildExtractArgs(mediaPath, upload)
		res, err := c.runner.Run(ctx, c.ffmpegPath, args...)
		if err != nil {
			log := CommandLog{Command: c.ffmpegPath, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
			return "", &PipelineError{Stage: "preprocessing", Message: "ffmpeg audio extraction failed", CommandLog: log, Err: err}
		}
	}

	text, err := c.upload(ctx, upload, language)
	if err != nil {
		return "", &PipelineError{Stage: "transcribing", Message: err.Error(), Err: err}
	}
	if text == "" {
		return "", &PipelineError{Stage: "transcribing", Message: "no speech recognised", Err: ErrEmptyTranscript}
	}
	return text, nil
}

func (c *APIClient) upload(ctx context.Context, path, language string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "opening upload")
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, f, filepath.Base(path), map[string]string{
			"model":    c.model,
			"language": normalizeLanguage(language),
		}))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", pr)
	if err != nil {
		pr.Close()
		return "", errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "executing request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Newf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "decoding response")
	}
	return strings.TrimSpace(out.Text), nil
}

func writeForm(mw *multipart.Writer, r io.Reader, filename string, fields map[string]string) error {
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	return mw.Close()
}

// buildExtractArgs builds ffmpeg args that keep only an mp3 audio track.
func buildExtractArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-acodec", "libmp3lame",
		"-q:a", "4",
		outPath,
	}
}
