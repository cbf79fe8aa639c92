package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stderr   string   `json:"stderr"`
}

// PipelineError is a stage-aware error with optional command context.
type PipelineError struct {
	Stage      string
	Message    string
	CommandLog CommandLog
	Err        error
}

func (e *PipelineError) Error() string {
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	msg := fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.CommandLog.Command, e.CommandLog.ExitCode)
	if tail := lastLine(e.CommandLog.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Err }

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for tests.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			err = errors.Wrap(ctx.Err(), err.Error())
		}
		return result, err
	}
	return result, nil
}

// WhisperCPP runs ffmpeg to get 16 kHz mono audio and whisper.cpp to
// transcribe it.
type WhisperCPP struct {
	ffmpegPath  string
	whisperPath string
	modelPath   string
	extraArgs   []string
	logger      *zap.SugaredLogger

	runner    commandRunner
	lookPath  func(file string) (string, error)
	mkdirTemp func(dir, pattern string) (string, error)
	removeAll func(path string) error
	stat      func(name string) (os.FileInfo, error)
	readDir   func(name string) ([]os.DirEntry, error)
	readFile  func(name string) ([]byte, error)
}

// NewWhisperCPP builds the local backend. extraArgs is a shell-quoted string
// appended to every whisper.cpp invocation.
func NewWhisperCPP(ffmpegPath, whisperPath, modelPath, extraArgs string, logger *zap.SugaredLogger) (*WhisperCPP, error) {
	args, err := shellquote.Split(extraArgs)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing whisper args %q", extraArgs)
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if whisperPath == "" {
		whisperPath = "whisper-cli"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WhisperCPP{
		ffmpegPath:  ffmpegPath,
		whisperPath: whisperPath,
		modelPath:   modelPath,
		extraArgs:   args,
		logger:      logger,
		runner:      &execRunner{},
		lookPath:    exec.LookPath,
		mkdirTemp:   os.MkdirTemp,
		removeAll:   os.RemoveAll,
		stat:        os.Stat,
		readDir:     os.ReadDir,
		readFile:    os.ReadFile,
	}, nil
}

func (w *WhisperCPP) Name() string { return BackendWhisperCPP }

// Check verifies both binaries are on PATH and a model file is present.
func (w *WhisperCPP) Check(ctx context.Context) error {
	for _, bin := range []string{w.ffmpegPath, w.whisperPath} {
		if _, err := w.lookPath(bin); err != nil {
			return errors.Wrapf(err, "locating %s", bin)
		}
	}
	_, err := w.resolveModelPath()
	return err
}

// Transcribe converts mediaPath and returns the trimmed transcript text.
func (w *WhisperCPP) Transcribe(ctx context.Context, mediaPath, language string) (string, error) {
	if _, err := w.stat(mediaPath); err != nil {
		return "", &PipelineError{Stage: "preprocessing", Message: "cannot access input media: " + mediaPath, Err: err}
	}

	modelPath, err := w.resolveModelPath()
	if err != nil {
		return "", &PipelineError{Stage: "transcribing", Message: err.Error(), Err: err}
	}

	tempDir, err := w.mkdirTemp("", "vidvault-whisper-*")
	if err != nil {
		return "", &PipelineError{Stage: "preprocessing", Message: "failed to create temporary workspace", Err: err}
	}
	defer w.removeAll(tempDir)

	wavPath := filepath.Join(tempDir, "audio-16k-mono.wav")
	args := buildFFmpegArgs(mediaPath, wavPath)
	if log, err := w.run(ctx, w.ffmpegPath, args); err != nil {
		return "", &PipelineError{Stage: "preprocessing", Message: "ffmpeg audio conversion failed", CommandLog: log, Err: err}
	}

	textBase := filepath.Join(tempDir, "transcript")
	whisperArgs := append(buildWhisperArgs(modelPath, wavPath, textBase, language), w.extraArgs...)
	log, err := w.run(ctx, w.whisperPath, whisperArgs)
	if err != nil {
		return "", &PipelineError{Stage: "transcribing", Message: "whisper.cpp transcription failed", CommandLog: log, Err: err}
	}

	content, err := w.readFile(textBase + ".txt")
	if err != nil {
		return "", &PipelineError{Stage: "exporting", Message: "whisper.cpp completed but transcript .txt file is missing", CommandLog: log, Err: err}
	}

	text := strings.TrimSpace(string(content))
	if text == "" {
		return "", &PipelineError{Stage: "exporting", Message: "no speech recognised", CommandLog: log, Err: ErrEmptyTranscript}
	}
	return text, nil
}

func (w *WhisperCPP) run(ctx context.Context, name string, args []string) (CommandLog, error) {
	res, err := w.runner.Run(ctx, name, args...)
	log := CommandLog{Command: name, Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	w.logger.Debugw("command finished", "command", name, "exit_code", res.ExitCode)
	return log, err
}

// resolveModelPath accepts a model file or a directory holding .bin/.gguf
// models, in which case the first one by name is used.
func (w *WhisperCPP) resolveModelPath() (string, error) {
	modelPath := strings.TrimSpace(w.modelPath)
	if modelPath == "" {
		return "", errors.New("model path is required")
	}

	info, err := w.stat(modelPath)
	if err != nil {
		return "", errors.Newf("cannot access model path: %s", modelPath)
	}
	if !info.IsDir() {
		return modelPath, nil
	}

	entries, err := w.readDir(modelPath)
	if err != nil {
		return "", errors.Newf("cannot read model directory: %s", modelPath)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".bin" || ext == ".gguf" {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", errors.Newf("no .bin or .gguf model files found in: %s", modelPath)
	}

	sort.Strings(names)
	return filepath.Join(modelPath, names[0]), nil
}

// buildFFmpegArgs builds preprocessing CLI args for mono 16k PCM WAV output.
func buildFFmpegArgs(inputPath, outPath string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outPath,
	}
}

// buildWhisperArgs builds whisper.cpp args for txt transcript export.
func buildWhisperArgs(modelPath, audioPath, textBase, language string) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", textBase,
		"-otxt",
		"-np",
	}
	if lang := normalizeLanguage(language); lang != "" {
		args = append(args, "-l", lang)
	}
	return args
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
