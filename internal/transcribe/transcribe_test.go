package transcribe

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner simulates command execution.
type fakeRunner struct {
	calls []string
	run   func(name string, args []string) (commandResult, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (commandResult, error) {
	f.calls = append(f.calls, name)
	if f.run == nil {
		return commandResult{}, nil
	}
	return f.run(name, args)
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func newTestWhisper(t *testing.T, extra string, runner commandRunner) (*WhisperCPP, string) {
	t.Helper()
	root := t.TempDir()
	model := filepath.Join(root, "models", "ggml-small.bin")
	mustWriteFile(t, model, "model")

	w, err := NewWhisperCPP("ffmpeg-x", "whisper-x", filepath.Dir(model), extra, nil)
	require.NoError(t, err)
	w.runner = runner
	w.lookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	return w, root
}

func TestWhisperTranscribe(t *testing.T) {
	var whisperArgs []string
	runner := &fakeRunner{run: func(name string, args []string) (commandResult, error) {
		switch name {
		case "ffmpeg-x":
			mustWriteFile(t, args[len(args)-1], "wav")
		case "whisper-x":
			whisperArgs = args
			mustWriteFile(t, argValue(args, "-of")+".txt", "  大家好，欢迎收看  \n")
		}
		return commandResult{}, nil
	}}
	w, root := newTestWhisper(t, `--threads 4 --prompt "简体中文"`, runner)
	media := filepath.Join(root, "v.mp4")
	mustWriteFile(t, media, "video")

	text, err := w.Transcribe(context.Background(), media, "zh")
	require.NoError(t, err)
	assert.Equal(t, "大家好，欢迎收看", text)
	assert.Equal(t, []string{"ffmpeg-x", "whisper-x"}, runner.calls)

	assert.Equal(t, "zh", argValue(whisperArgs, "-l"))
	assert.Equal(t, filepath.Join(root, "models", "ggml-small.bin"), argValue(whisperArgs, "-m"))
	assert.Equal(t, "4", argValue(whisperArgs, "--threads"))
	assert.Equal(t, "简体中文", argValue(whisperArgs, "--prompt"))

	_, err = os.Stat(filepath.Dir(argValue(whisperArgs, "-of")))
	assert.True(t, os.IsNotExist(err), "temp workspace removed")
}

func TestWhisperAutoLanguage(t *testing.T) {
	args := buildWhisperArgs("m.bin", "a.wav", "out", "auto")
	assert.Empty(t, argValue(args, "-l"))
	assert.NotContains(t, args, "-l")
}

func TestWhisperFFmpegFailure(t *testing.T) {
	runner := &fakeRunner{run: func(name string, args []string) (commandResult, error) {
		return commandResult{ExitCode: 1, Stderr: "line one\nInvalid data found when processing input"}, errors.New("exit status 1")
	}}
	w, root := newTestWhisper(t, "", runner)
	media := filepath.Join(root, "v.mp4")
	mustWriteFile(t, media, "video")

	_, err := w.Transcribe(context.Background(), media, "zh")
	require.Error(t, err)

	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "preprocessing", pe.Stage)
	assert.Equal(t, 1, pe.CommandLog.ExitCode)
	assert.Contains(t, err.Error(), "Invalid data found")
	assert.Equal(t, []string{"ffmpeg-x"}, runner.calls)
}

func TestWhisperEmptyTranscript(t *testing.T) {
	runner := &fakeRunner{run: func(name string, args []string) (commandResult, error) {
		if name == "ffmpeg-x" {
			mustWriteFile(t, args[len(args)-1], "wav")
		} else {
			mustWriteFile(t, argValue(args, "-of")+".txt", "   \n")
		}
		return commandResult{}, nil
	}}
	w, root := newTestWhisper(t, "", runner)
	media := filepath.Join(root, "v.mp4")
	mustWriteFile(t, media, "video")

	_, err := w.Transcribe(context.Background(), media, "zh")
	assert.True(t, errors.Is(err, ErrEmptyTranscript))
}

func TestWhisperMissingMedia(t *testing.T) {
	w, root := newTestWhisper(t, "", &fakeRunner{})
	_, err := w.Transcribe(context.Background(), filepath.Join(root, "nope.mp4"), "zh")
	var pe *PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "preprocessing", pe.Stage)
}

func TestWhisperBadArgs(t *testing.T) {
	_, err := NewWhisperCPP("", "", "m.bin", `--prompt "unterminated`, nil)
	assert.Error(t, err)
}

func TestWhisperCheck(t *testing.T) {
	w, _ := newTestWhisper(t, "", &fakeRunner{})
	require.NoError(t, w.Check(context.Background()))

	w.lookPath = func(file string) (string, error) { return "", errors.New("not found") }
	assert.Error(t, w.Check(context.Background()))

	w.lookPath = func(file string) (string, error) { return file, nil }
	w.modelPath = filepath.Join(t.TempDir(), "empty")
	assert.Error(t, w.Check(context.Background()))
}

func TestAPIClientTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-large", r.FormValue("model"))
		assert.Equal(t, "zh", r.FormValue("language"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "audio.mp3", hdr.Filename)
		assert.Equal(t, "mp3-bytes", string(data))

		w.Write([]byte(`{"text": " 你好世界 "}`))
	}))
	defer srv.Close()

	runner := &fakeRunner{run: func(name string, args []string) (commandResult, error) {
		mustWriteFile(t, args[len(args)-1], "mp3-bytes")
		return commandResult{}, nil
	}}
	c := NewAPIClient(srv.URL+"/v1/", "k", "whisper-large", "ffmpeg-x", nil)
	c.runner = runner

	media := filepath.Join(t.TempDir(), "v.mp4")
	mustWriteFile(t, media, "video")

	text, err := c.Transcribe(context.Background(), media, "zh")
	require.NoError(t, err)
	assert.Equal(t, "你好世界", text)
	assert.Equal(t, []string{"ffmpeg-x"}, runner.calls)
}

func TestAPIClientAudioSkipsFFmpeg(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text": "ok"}`))
	}))
	defer srv.Close()

	runner := &fakeRunner{}
	c := NewAPIClient(srv.URL, "k", "", "", nil)
	c.runner = runner

	media := filepath.Join(t.TempDir(), "a.wav")
	mustWriteFile(t, media, "wav")
	text, err := c.Transcribe(context.Background(), media, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Empty(t, runner.calls)
}

func TestAPIClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, "k", "", "", nil)
	media := filepath.Join(t.TempDir(), "a.wav")
	mustWriteFile(t, media, "wav")

	_, err := c.Transcribe(context.Background(), media, "zh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "quota")
}

func TestAPIClientCheck(t *testing.T) {
	c := NewAPIClient("", "", "", "", nil)
	c.lookPath = func(file string) (string, error) { return file, nil }
	assert.Error(t, c.Check(context.Background()))

	c = NewAPIClient("https://api.example/v1", "k", "", "", nil)
	c.lookPath = func(file string) (string, error) { return file, nil }
	assert.NoError(t, c.Check(context.Background()))
}

func TestNew(t *testing.T) {
	tr, err := New(Options{Backend: "whisper-cpp", ModelPath: "m.bin"}, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendWhisperCPP, tr.Name())

	tr, err = New(Options{Backend: "API", APIBase: "https://x", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, BackendAPI, tr.Name())

	_, err = New(Options{Backend: "vosk"}, nil)
	assert.Error(t, err)
}

type stubChecker struct{ err error }

func (s stubChecker) Name() string { return "stub" }
func (s stubChecker) Transcribe(context.Context, string, string) (string, error) {
	return "", nil
}
func (s stubChecker) Check(context.Context) error { return s.err }

func TestEnsureReady(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EnsureReady(context.Background(), stubChecker{}, &buf))
	assert.Contains(t, buf.String(), "transcriber stub: ready")

	buf.Reset()
	err := EnsureReady(context.Background(), stubChecker{err: errors.New("no model")}, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model")
	assert.NotContains(t, buf.String(), "ready")
}
