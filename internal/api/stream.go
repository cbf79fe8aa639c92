package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kalambet/vidvault/internal/jobs"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams a job's snapshots over a websocket until the job is
// terminal or the client goes away.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Service.Status(r.Context(), id); err != nil {
			serviceError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.Debugw("websocket upgrade failed", "job_id", id, "error", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go readPump(conn, cancel)

		if err := streamJob(ctx, conn, deps.Service, id); err != nil {
			deps.Logger.Debugw("event stream ended", "job_id", id, "error", err)
		}
	}
}

// readPump consumes control frames and cancels the stream once the client
// closes or stops answering pings.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func streamJob(ctx context.Context, conn *websocket.Conn, svc Service, id string) error {
	bus := svc.Events()
	seq := bus.Latest()

	job, err := svc.Status(ctx, id)
	if err != nil {
		return err
	}
	if err := writeEvent(conn, jobs.Event{Seq: seq, Timestamp: time.Now().UTC(), Snapshot: jobs.NewSnapshot(job)}); err != nil {
		return err
	}
	if job.State.Terminal() {
		return closeStream(conn)
	}

	for {
		latest := bus.Latest()
		for _, ev := range bus.Since(seq, id) {
			if err := writeEvent(conn, ev); err != nil {
				return err
			}
			if ev.State.Terminal() {
				return closeStream(conn)
			}
			latest = max(latest, ev.Seq)
		}
		seq = latest

		wctx, cancel := context.WithTimeout(ctx, pingPeriod)
		err := bus.Wait(wctx, seq)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			continue
		}

		// Quiet period: keep the connection alive and catch a terminal state
		// that fell out of the bounded event buffer.
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return err
		}
		job, err := svc.Status(ctx, id)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			if err := writeEvent(conn, jobs.Event{Seq: seq, Timestamp: time.Now().UTC(), Snapshot: jobs.NewSnapshot(job)}); err != nil {
				return err
			}
			return closeStream(conn)
		}
	}
}

func writeEvent(conn *websocket.Conn, ev jobs.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func closeStream(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
}
