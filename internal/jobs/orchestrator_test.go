package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/vidvault/internal/fetch"
	"github.com/kalambet/vidvault/internal/layout"
	"github.com/kalambet/vidvault/internal/logging"
	"github.com/kalambet/vidvault/internal/resolver"
	"github.com/kalambet/vidvault/internal/storage"
)

const videoID = "7301234567890123456"

type fakeResolver struct {
	mu     sync.Mutex
	calls  int
	media  resolver.Media
	err    error
	block  bool
	author string
}

func (f *fakeResolver) Resolve(ctx context.Context, input string) (resolver.Media, error) {
	f.mu.Lock()
	f.calls++
	media, err, block := f.media, f.err, f.block
	if f.author != "" {
		media.Author = f.author
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return resolver.Media{}, ctx.Err()
	}
	if err != nil {
		return resolver.Media{}, err
	}
	media.VideoID = input
	return media, nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTranscriber struct {
	calls atomic.Int32
	text  string
	err   error
	block bool

	// When set, Transcribe signals started and then returns text once
	// release is closed, ignoring ctx.
	started chan struct{}
	release chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, mediaPath, language string) (string, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.release != nil {
		close(f.started)
		<-f.release
		return f.text, nil
	}
	if f.err != nil {
		return "", f.err
	}
	if _, err := os.Stat(mediaPath); err != nil {
		return "", err
	}
	return f.text, nil
}

type harness struct {
	orch        *Orchestrator
	store       *storage.Store
	resolver    *fakeResolver
	transcriber *fakeTranscriber
	media       *httptest.Server
	root        string
	videoHits   atomic.Int32
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{store: store, root: t.TempDir()}

	mux := http.NewServeMux()
	mux.HandleFunc("/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		h.videoHits.Add(1)
		w.Write([]byte("video-bytes"))
	})
	mux.HandleFunc("/cover.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cover-bytes"))
	})
	mux.HandleFunc("/missing.jpg", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/stall.mp4", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	h.media = httptest.NewServer(mux)
	t.Cleanup(h.media.Close)

	h.resolver = &fakeResolver{media: resolver.Media{
		MediaURLs:   []string{h.media.URL + "/video.mp4"},
		CoverURLs:   []string{h.media.URL + "/cover.jpg"},
		Author:      "Some Author",
		AuthorID:    "uid-1",
		Description: "a description",
		Raw:         []byte(`{"status_code":0}`),
	}}
	h.transcriber = &fakeTranscriber{text: "hello world"}

	logger := logging.Nop()
	h.orch = New(Deps{
		Store:       store,
		Resolver:    h.resolver,
		Fetcher:     fetch.New(h.media.Client(), logger),
		Transcriber: h.transcriber,
		Layout: layout.New(
			filepath.Join(h.root, "json"),
			filepath.Join(h.root, "video"),
			filepath.Join(h.root, "image"),
			nil,
		),
		Logger: logger,
	}, cfg)
	return h
}

// submitAndRun submits a request and processes it on the calling goroutine.
func (h *harness) submitAndRun(t *testing.T, req SubmitRequest) storage.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, h.orch.Process(ctx, job.ID))
	got, err := h.orch.Status(ctx, job.ID)
	require.NoError(t, err)
	return got
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestFreshDownload(t *testing.T) {
	h := newHarness(t, Config{})

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID})

	require.Equal(t, storage.StateSuccess, job.State, "error: %+v", job.Error)
	require.NotNil(t, job.Result)
	assert.False(t, job.Result.ShortCircuited)
	assert.Nil(t, job.Result.Transcript)
	assert.Nil(t, job.Error)

	want := filepath.Join(h.root, "video", "Some Author", "a description", videoID+".mp4")
	assert.Equal(t, want, job.Result.VideoPath)
	assert.Equal(t, "video-bytes", readFile(t, job.Result.VideoPath))
	assert.Equal(t, "cover-bytes", readFile(t, job.Result.ImagePath))
	assert.Equal(t, `{"status_code":0}`, readFile(t, job.Result.JSONPath))

	entry, err := h.orch.Video(context.Background(), videoID)
	require.NoError(t, err)
	assert.Equal(t, job.Result.VideoPath, entry.VideoPath)
	assert.Equal(t, job.ID, entry.LastJobID)
	assert.Nil(t, entry.Transcript)
	assert.Zero(t, h.transcriber.calls.Load())
}

func TestFreshDownloadWithTranscript(t *testing.T) {
	h := newHarness(t, Config{})

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID, Transcribe: true})

	require.Equal(t, storage.StateSuccess, job.State)
	require.NotNil(t, job.Result.Transcript)
	assert.Equal(t, "hello world", *job.Result.Transcript)

	txt := filepath.Join(h.root, "video", "Some Author", "a description", videoID+".txt")
	assert.Equal(t, "hello world", readFile(t, txt))

	entry, err := h.orch.Video(context.Background(), videoID)
	require.NoError(t, err)
	require.NotNil(t, entry.Transcript)
	assert.Equal(t, "hello world", *entry.Transcript)
}

func TestShortCircuitAddsTranscript(t *testing.T) {
	h := newHarness(t, Config{})

	first := h.submitAndRun(t, SubmitRequest{VideoID: videoID})
	require.Equal(t, storage.StateSuccess, first.State)
	require.Equal(t, 1, h.resolver.Calls())

	second := h.submitAndRun(t, SubmitRequest{VideoID: videoID, Transcribe: true})
	require.Equal(t, storage.StateSuccess, second.State)
	assert.True(t, second.Result.ShortCircuited)
	require.NotNil(t, second.Result.Transcript)
	assert.Equal(t, "hello world", *second.Result.Transcript)
	assert.Equal(t, first.Result.VideoPath, second.Result.VideoPath)

	// No second resolve or download.
	assert.Equal(t, 1, h.resolver.Calls())
	assert.Equal(t, int32(1), h.videoHits.Load())
	assert.Equal(t, int32(1), h.transcriber.calls.Load())

	third := h.submitAndRun(t, SubmitRequest{VideoID: videoID, Transcribe: true})
	require.Equal(t, storage.StateSuccess, third.State)
	assert.Equal(t, "hello world", *third.Result.Transcript)
	assert.Equal(t, int32(1), h.transcriber.calls.Load(), "stored transcript is reused")
}

func TestShortCircuitWithoutTranscriptRequest(t *testing.T) {
	h := newHarness(t, Config{})

	h.submitAndRun(t, SubmitRequest{VideoID: videoID, Transcribe: true})
	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID})

	require.Equal(t, storage.StateSuccess, job.State)
	assert.True(t, job.Result.ShortCircuited)
	assert.Nil(t, job.Result.Transcript)
}

func TestMissingFilesForceRedownload(t *testing.T) {
	h := newHarness(t, Config{})

	first := h.submitAndRun(t, SubmitRequest{VideoID: videoID})
	require.NoError(t, os.Remove(first.Result.VideoPath))

	second := h.submitAndRun(t, SubmitRequest{VideoID: videoID})
	require.Equal(t, storage.StateSuccess, second.State)
	assert.False(t, second.Result.ShortCircuited)
	assert.Equal(t, first.Result.VideoPath, second.Result.VideoPath)
	assert.Equal(t, 2, h.resolver.Calls())
}

func TestForceKeepsStoredPaths(t *testing.T) {
	h := newHarness(t, Config{})

	first := h.submitAndRun(t, SubmitRequest{VideoID: videoID})

	h.resolver.mu.Lock()
	h.resolver.author = "Renamed Author"
	h.resolver.mu.Unlock()

	second := h.submitAndRun(t, SubmitRequest{VideoID: videoID, Force: true})
	require.Equal(t, storage.StateSuccess, second.State)
	assert.False(t, second.Result.ShortCircuited)
	assert.Equal(t, first.Result.VideoPath, second.Result.VideoPath)
	assert.Equal(t, 2, h.resolver.Calls())

	entry, err := h.orch.Video(context.Background(), videoID)
	require.NoError(t, err)
	assert.Equal(t, "Some Author", entry.Author)

	assert.True(t, strings.HasPrefix(second.Message, "Download complete."), "message: %q", second.Message)
	assert.Contains(t, second.Message, "Metadata changed since first download")
	assert.Contains(t, second.Message, "keeping stored paths")
}

func TestResolverTimeout(t *testing.T) {
	h := newHarness(t, Config{ResolveTimeout: 50 * time.Millisecond})
	h.resolver.block = true

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID})

	require.Equal(t, storage.StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, storage.KindTimeout, job.Error.Kind)
	assert.NotEmpty(t, job.Error.Detail)
	assert.Nil(t, job.Result)

	_, err := h.orch.Video(context.Background(), videoID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	// The guard is free again.
	_, err = h.orch.Submit(context.Background(), SubmitRequest{VideoID: videoID})
	assert.NoError(t, err)
}

func TestDownloadTimeout(t *testing.T) {
	h := newHarness(t, Config{DownloadTimeout: 50 * time.Millisecond})
	h.resolver.media.MediaURLs = []string{h.media.URL + "/stall.mp4"}

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID})

	require.Equal(t, storage.StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, storage.KindTimeout, job.Error.Kind)
	assert.Equal(t, "Timed out.", job.Message)
	assert.Nil(t, job.Result)

	_, err := h.orch.Video(context.Background(), videoID)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "index must not change")
	assert.NoFileExists(t, filepath.Join(h.root, "video", "Some Author", "a description", videoID+".mp4"))
}

func TestTranscriptionTimeout(t *testing.T) {
	h := newHarness(t, Config{TranscribeTimeout: 50 * time.Millisecond})
	h.transcriber.block = true

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID, Transcribe: true})

	require.Equal(t, storage.StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, storage.KindTimeout, job.Error.Kind)
	assert.Nil(t, job.Result)
	assert.EqualValues(t, 1, h.transcriber.calls.Load())

	_, err := h.orch.Video(context.Background(), videoID)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "index must not change")
	assert.NoFileExists(t, filepath.Join(h.root, "video", "Some Author", "a description", videoID+".txt"))
}

func TestResolverError(t *testing.T) {
	h := newHarness(t, Config{})
	h.resolver.err = errors.New("upstream said no")

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID})

	require.Equal(t, storage.StateFailed, job.State)
	assert.Equal(t, storage.KindResolve, job.Error.Kind)
	assert.Contains(t, job.Error.Detail, "upstream said no")
}

func TestInvalidVideoID(t *testing.T) {
	h := newHarness(t, Config{})

	job := h.submitAndRun(t, SubmitRequest{VideoID: "not a video"})

	require.Equal(t, storage.StateFailed, job.State)
	assert.Equal(t, storage.KindResolve, job.Error.Kind)
	assert.Zero(t, h.resolver.Calls())
}

func TestEmptyVideoIDRejected(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.orch.Submit(context.Background(), SubmitRequest{VideoID: "  "})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func TestDownloadFailureCleansUp(t *testing.T) {
	h := newHarness(t, Config{})
	h.resolver.media.CoverURLs = []string{h.media.URL + "/missing.jpg"}

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID})

	require.Equal(t, storage.StateFailed, job.State)
	assert.Equal(t, storage.KindDownload, job.Error.Kind)

	var files []string
	filepath.WalkDir(h.root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	assert.Empty(t, files, "no artifacts or temp files may remain")

	_, err := h.orch.Video(context.Background(), videoID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestTranscriptionFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.transcriber.err = errors.New("whisper crashed")

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID, Transcribe: true})

	require.Equal(t, storage.StateFailed, job.State)
	assert.Equal(t, storage.KindTranscription, job.Error.Kind)
	assert.Contains(t, job.Error.Detail, "whisper crashed")

	_, err := h.orch.Video(context.Background(), videoID)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "index is only written with SUCCESS")
}

func TestNoTranscriberConfigured(t *testing.T) {
	h := newHarness(t, Config{})
	h.orch.transcriber = nil

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID, Transcribe: true})

	require.Equal(t, storage.StateFailed, job.State)
	assert.Equal(t, storage.KindTranscription, job.Error.Kind)
}

func TestConcurrentSubmissionsSingleWinner(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		inFlight []*storage.AlreadyInFlightError
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := h.orch.Submit(ctx, SubmitRequest{VideoID: videoID})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, job.ID)
				return
			}
			var afe *storage.AlreadyInFlightError
			if errors.As(err, &afe) {
				inFlight = append(inFlight, afe)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	require.Len(t, inFlight, n-1)
	for _, e := range inFlight {
		assert.Equal(t, winners[0], e.JobID)
	}

	holder, err := h.store.ActiveJob(ctx, videoID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], holder.ID)

	_, err = h.orch.Cancel(ctx, winners[0])
	require.NoError(t, err)
	_, err = h.store.ActiveJob(ctx, videoID)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "terminal job must release the guard")

	_, err = h.orch.Submit(ctx, SubmitRequest{VideoID: videoID})
	require.NoError(t, err)
}

func TestCancelPendingJob(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, SubmitRequest{VideoID: videoID})
	require.NoError(t, err)

	cancelled, err := h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, cancelled.State)
	assert.Equal(t, storage.KindCancelled, cancelled.Error.Kind)

	// The worker finds nothing to claim.
	require.NoError(t, h.orch.Process(ctx, job.ID))
	assert.Zero(t, h.resolver.Calls())

	// Cancelling again is a no-op.
	again, err := h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled.UpdatedAt, again.UpdatedAt)

	_, err = h.orch.Submit(ctx, SubmitRequest{VideoID: videoID})
	assert.NoError(t, err, "cancel releases the guard")
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, Config{ResolveTimeout: time.Minute})
	h.resolver.block = true
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, SubmitRequest{VideoID: videoID})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Process(ctx, job.ID)
	}()

	require.Eventually(t, func() bool {
		j, err := h.orch.Status(ctx, job.ID)
		return err == nil && j.State == storage.StateDownloading && h.resolver.Calls() == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	got, err := h.orch.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, got.State)
	assert.Equal(t, storage.KindCancelled, got.Error.Kind)
	assert.Zero(t, h.orch.Running())
}

func TestCancelFencesTranscriptWrite(t *testing.T) {
	h := newHarness(t, Config{})
	h.transcriber.started = make(chan struct{})
	h.transcriber.release = make(chan struct{})
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, SubmitRequest{VideoID: videoID, Transcribe: true})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Process(ctx, job.ID)
	}()

	select {
	case <-h.transcriber.started:
	case <-time.After(2 * time.Second):
		t.Fatal("transcriber never started")
	}

	cancelled, err := h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.KindCancelled, cancelled.Error.Kind)

	// The video is free for a new job before the old worker returns.
	close(h.transcriber.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	got, err := h.orch.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, got.State)
	assert.Equal(t, storage.KindCancelled, got.Error.Kind)
	assert.NoFileExists(t, filepath.Join(h.root, "video", "Some Author", "a description", videoID+".txt"),
		"transcript must not be written after cancel")

	_, err = h.orch.Video(ctx, videoID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCancelTerminalJobUnchanged(t *testing.T) {
	h := newHarness(t, Config{})

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID})
	require.Equal(t, storage.StateSuccess, job.State)

	got, err := h.orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateSuccess, got.State)
	assert.Nil(t, got.Error)
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.Cancel(context.Background(), "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestShutdownInterruptsJob(t *testing.T) {
	h := newHarness(t, Config{ResolveTimeout: time.Minute})
	h.resolver.block = true

	job, err := h.orch.Submit(context.Background(), SubmitRequest{VideoID: videoID})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.Process(ctx, job.ID)
	}()
	require.Eventually(t, func() bool { return h.resolver.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got, err := h.orch.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, got.State)
	assert.Equal(t, storage.KindInterrupted, got.Error.Kind)
}

func TestStartRecoversAndRunsQueuedJobs(t *testing.T) {
	h := newHarness(t, Config{Workers: 2, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	// A job a previous process left mid-download.
	stale, err := h.store.CreateJob(ctx, storage.NewJob{VideoID: "7300000000000000001"})
	require.NoError(t, err)
	_, err = h.store.Transition(ctx, stale.ID, storage.Update{State: storage.StateDownloading, Message: "downloading"})
	require.NoError(t, err)

	// A job that was queued but never claimed.
	queued, err := h.store.CreateJob(ctx, storage.NewJob{VideoID: videoID, Message: msgQueued})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	require.NoError(t, h.orch.Start(runCtx))
	t.Cleanup(func() {
		cancel()
		h.orch.Wait()
	})

	got, err := h.orch.Status(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, got.State)
	assert.Equal(t, storage.KindInterrupted, got.Error.Kind)

	require.Eventually(t, func() bool {
		j, err := h.orch.Status(ctx, queued.ID)
		return err == nil && j.State == storage.StateSuccess
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolProcessesSubmittedJobs(t *testing.T) {
	h := newHarness(t, Config{Workers: 3, PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.orch.Start(ctx))
	t.Cleanup(func() {
		cancel()
		h.orch.Wait()
	})

	ids := []string{"7300000000000000011", "7300000000000000012", "7300000000000000013", "7300000000000000014"}
	var jobIDs []string
	for _, id := range ids {
		job, err := h.orch.Submit(ctx, SubmitRequest{VideoID: id})
		require.NoError(t, err)
		jobIDs = append(jobIDs, job.ID)
	}

	require.Eventually(t, func() bool {
		for _, id := range jobIDs {
			j, err := h.orch.Status(ctx, id)
			if err != nil || j.State != storage.StateSuccess {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	videos, err := h.orch.Videos(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, videos, len(ids))
}

func TestTransitionsArePublished(t *testing.T) {
	h := newHarness(t, Config{})

	job := h.submitAndRun(t, SubmitRequest{VideoID: videoID, Transcribe: true})
	require.Equal(t, storage.StateSuccess, job.State)

	var states []storage.State
	for _, ev := range h.orch.Events().Since(0, job.ID) {
		if len(states) == 0 || states[len(states)-1] != ev.State {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []storage.State{
		storage.StatePending,
		storage.StateDownloading,
		storage.StateTranscribing,
		storage.StateSuccess,
	}, states)
}
