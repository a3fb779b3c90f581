package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/mw"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/reconciler"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamReadLimit  = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Stream upgrades to a websocket and pushes the view (as ListBookmarks
// renders it) once on connect and again after every change.
// Messages from the client are ignored apart from close and pong frames.
func Stream(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := mw.SessionFrom(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied with an HTTP error.
			d.Logger.Debug("websocket upgrade failed", logger.Error(err))
			return
		}
		defer func() { _ = conn.Close() }()

		log := d.Logger.With(logger.String("user_id", sess.UserID()))
		store := sess.Store()
		signals, cancel := store.Watch()
		defer cancel()

		// An open stream is activity: the idle reaper must not close the
		// session under a client that only answers pings.
		gone := make(chan struct{})
		go readUntilClosed(conn, gone, sess.Touch)

		pingEvery := d.StreamPing
		if pingEvery <= 0 {
			pingEvery = streamPingPeriod
		}
		ping := time.NewTicker(pingEvery)
		defer ping.Stop()

		if err := pushView(conn, store); err != nil {
			log.Debug("stream write failed", logger.Error(err))
			return
		}
		log.Debug("stream opened")

		for {
			select {
			case <-gone:
				log.Debug("stream closed by client")
				return
			case <-sess.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(streamWriteWait))
				return
			case <-signals:
				sess.Touch()
				if err := pushView(conn, store); err != nil {
					log.Debug("stream write failed", logger.Error(err))
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					log.Debug("stream ping failed", logger.Error(err))
					return
				}
				sess.Touch()
			}
		}
	}
}

func pushView(conn *websocket.Conn, store *reconciler.Store) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(newViewResponse(store, ""))
}

// readUntilClosed drains the connection so control frames are processed,
// and closes gone once the peer disconnects or stops answering pings.
// alive runs on every pong.
func readUntilClosed(conn *websocket.Conn, gone chan struct{}, alive func()) {
	defer close(gone)
	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		alive()
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
