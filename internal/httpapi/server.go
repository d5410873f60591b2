package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fieldhealth/changegate/internal/feed"
	"github.com/fieldhealth/changegate/internal/logstore"
)

type ServerConfig struct {
	JWTSecret        string
	DefaultHeartbeat time.Duration
	MaxLimit         int
	MaxBodyBytes     int64
}

type Server struct {
	store    logstore.Store
	engine   *feed.Engine
	registry *feed.Registry
	watcher  *feed.Watcher
	cfg      ServerConfig
}

func NewServer(store logstore.Store, engine *feed.Engine, registry *feed.Registry, watcher *feed.Watcher, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 10_000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		store:    store,
		engine:   engine,
		registry: registry,
		watcher:  watcher,
		cfg:      cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/admin/status" && r.Method == http.MethodGet {
		s.handleAdminStatus(w, r)
		return
	}
	if r.URL.Path == "/changes/ws" && r.Method == http.MethodGet {
		s.handleWebsocket(w, r)
		return
	}
	if r.URL.Path == "/changes" && (r.Method == http.MethodGet || r.Method == http.MethodPost) {
		s.handleChanges(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	ident, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if !ident.Can(feed.PermBypassFiltering) {
		writeError(w, http.StatusForbidden, "forbidden", "missing required permission: "+feed.PermBypassFiltering)
		return
	}
	writeJSON(w, http.StatusOK, s.watcher.Status())
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	ident, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	params, heartbeat, paramErr := s.parseChangesParams(r, "")
	if paramErr != nil {
		writeError(w, paramErr.status, paramErr.code, paramErr.message)
		return
	}

	if ident.Can(feed.PermBypassFiltering) {
		s.serveBypass(w, r, params, heartbeat)
		return
	}

	session := feed.NewSession(ident, params)
	defer session.Close()
	if feed.LongLived(params.Feed) {
		s.registry.Register(session)
		defer s.registry.Deregister(session)
	}

	switch params.Feed {
	case feed.FeedNormal:
		s.serveNormal(w, r, session)
	case feed.FeedLongpoll:
		s.serveLongpoll(w, r, session, heartbeat)
	case feed.FeedContinuous:
		s.serveContinuous(w, r, session, heartbeat)
	case feed.FeedEventsource:
		s.serveEventsource(w, r, session, heartbeat)
	}
}

// parseChangesParams resolves the query (and, for POST, the body) into
// session parameters. All validation happens here, before anything
// touches the upstream log, except since=now which reads the current
// sequence. feedOverride fixes the feed type for transports that imply
// it, like the websocket endpoint.
func (s *Server) parseChangesParams(r *http.Request, feedOverride string) (feed.SessionParams, time.Duration, *authError) {
	q := r.URL.Query()
	params := feed.SessionParams{
		Feed:  strings.TrimSpace(q.Get("feed")),
		Style: strings.TrimSpace(q.Get("style")),
	}
	if feedOverride != "" {
		params.Feed = feedOverride
	} else {
		if params.Feed == "" {
			params.Feed = feed.FeedNormal
		}
		switch params.Feed {
		case feed.FeedNormal, feed.FeedLongpoll, feed.FeedContinuous, feed.FeedEventsource:
		default:
			return params, 0, &authError{status: 400, code: "bad_request", message: "invalid feed parameter"}
		}
	}

	heartbeat := s.cfg.DefaultHeartbeat
	if hbRaw := strings.TrimSpace(q.Get("heartbeat")); hbRaw != "" {
		hb, err := strconv.Atoi(hbRaw)
		if err != nil || hb < 0 {
			return params, 0, &authError{status: 400, code: "bad_request", message: "invalid heartbeat parameter"}
		}
		if hb > 0 {
			heartbeat = time.Duration(hb) * time.Millisecond
		}
	}

	if limitRaw := strings.TrimSpace(q.Get("limit")); limitRaw != "" {
		limit, err := strconv.Atoi(limitRaw)
		if err != nil || limit < 0 {
			return params, 0, &authError{status: 400, code: "bad_request", message: "invalid limit parameter"}
		}
		if limit > s.cfg.MaxLimit {
			limit = s.cfg.MaxLimit
		}
		params.Limit = limit
	}

	docIDs, docErr := s.parseDocIDs(r)
	if docErr != nil {
		return params, 0, docErr
	}
	params.DocIDs = docIDs

	sinceRaw := strings.TrimSpace(q.Get("since"))
	switch sinceRaw {
	case "":
		// Streaming feeds default to the head of the log; one-shot
		// feeds replay from the beginning.
		if params.Feed == feed.FeedContinuous || params.Feed == feed.FeedEventsource || params.Feed == feed.FeedWebsocket {
			seq, err := s.store.CurrentSeq(r.Context())
			if err != nil {
				return params, 0, &authError{status: 500, code: "internal_error", message: err.Error()}
			}
			params.Since = seq
		}
	case "now":
		seq, err := s.store.CurrentSeq(r.Context())
		if err != nil {
			return params, 0, &authError{status: 500, code: "internal_error", message: err.Error()}
		}
		params.Since = seq
	default:
		since, err := strconv.ParseInt(sinceRaw, 10, 64)
		if err != nil || since < 0 {
			return params, 0, &authError{status: 400, code: "bad_request", message: "invalid since parameter"}
		}
		params.Since = since
	}
	return params, heartbeat, nil
}

// parseDocIDs reads the explicit id filter: a JSON array in the
// doc_ids query parameter, or for POST a {"doc_ids": [...]} body. A
// malformed filter is a client error before any log access.
func (s *Server) parseDocIDs(r *http.Request) ([]string, *authError) {
	if raw := strings.TrimSpace(r.URL.Query().Get("doc_ids")); raw != "" {
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, &authError{status: 400, code: "bad_request", message: "invalid doc_ids parameter"}
		}
		return ids, nil
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return nil, &authError{status: 400, code: "bad_request", message: "unreadable request body"}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var req struct {
		DocIDs []string `json:"doc_ids"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &authError{status: 400, code: "bad_request", message: "invalid request body"}
	}
	return req.DocIDs, nil
}

// serveBypass streams the raw unfiltered log to privileged callers.
func (s *Server) serveBypass(w http.ResponseWriter, r *http.Request, params feed.SessionParams, heartbeat time.Duration) {
	switch params.Feed {
	case feed.FeedNormal, feed.FeedLongpoll:
		resp, err := s.store.Changes(r.Context(), logstore.ChangesOptions{
			Since:  params.Since,
			Limit:  params.Limit,
			DocIDs: params.DocIDs,
			Style:  params.Style,
			Wait:   params.Feed == feed.FeedLongpoll,
		})
		if err != nil {
			writeChangesError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		s.streamRaw(w, r, params, heartbeat)
	}
}

func (s *Server) streamRaw(w http.ResponseWriter, r *http.Request, params feed.SessionParams, heartbeat time.Duration) {
	fw, ok := newFlushWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	beginStream(w, params.Feed)
	stopHeartbeat := startHeartbeat(fw, heartbeat)
	defer stopHeartbeat()
	cursor := params.Since
	for {
		resp, err := s.store.Changes(r.Context(), logstore.ChangesOptions{
			Since:  cursor,
			Limit:  params.Limit,
			DocIDs: params.DocIDs,
			Style:  params.Style,
			Wait:   true,
		})
		if err != nil {
			if r.Context().Err() == nil {
				writeStreamError(fw, params.Feed)
			}
			return
		}
		if !writeStreamBatch(fw, params.Feed, resp) {
			return
		}
		cursor = resp.LastSeq
	}
}

func (s *Server) serveNormal(w http.ResponseWriter, r *http.Request, session *feed.Session) {
	resp, err := s.engine.Next(r.Context(), session, false)
	if err != nil {
		writeChangesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// serveLongpoll holds the response open until at least one visible
// change exists, emitting heartbeats meanwhile, then writes one
// envelope and ends.
func (s *Server) serveLongpoll(w http.ResponseWriter, r *http.Request, session *feed.Session, heartbeat time.Duration) {
	fw, ok := newFlushWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	beginStream(w, feed.FeedLongpoll)
	stopHeartbeat := startHeartbeat(fw, heartbeat)
	defer stopHeartbeat()

	resp, err := s.engine.Next(r.Context(), session, true)
	stopHeartbeat()
	if err != nil {
		if r.Context().Err() == nil {
			writeStreamError(fw, feed.FeedLongpoll)
		}
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		writeStreamError(fw, feed.FeedLongpoll)
		return
	}
	_, _ = fw.Write(append(payload, '\n'))
}

func (s *Server) serveContinuous(w http.ResponseWriter, r *http.Request, session *feed.Session, heartbeat time.Duration) {
	fw, ok := newFlushWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	beginStream(w, feed.FeedContinuous)
	stopHeartbeat := startHeartbeat(fw, heartbeat)
	defer stopHeartbeat()
	for {
		resp, err := s.engine.Next(r.Context(), session, true)
		if err != nil {
			if r.Context().Err() == nil {
				writeStreamError(fw, feed.FeedContinuous)
			}
			return
		}
		if !writeStreamBatch(fw, feed.FeedContinuous, resp) {
			return
		}
	}
}

func (s *Server) serveEventsource(w http.ResponseWriter, r *http.Request, session *feed.Session, heartbeat time.Duration) {
	fw, ok := newFlushWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	beginStream(w, feed.FeedEventsource)
	stopHeartbeat := startHeartbeat(fw, heartbeat)
	defer stopHeartbeat()
	for {
		resp, err := s.engine.Next(r.Context(), session, true)
		if err != nil {
			if r.Context().Err() == nil {
				writeStreamError(fw, feed.FeedEventsource)
			}
			return
		}
		if !writeStreamBatch(fw, feed.FeedEventsource, resp) {
			return
		}
	}
}

// beginStream commits the status line and the headers a long-lived
// response needs. X-Accel-Buffering stops intermediaries from holding
// heartbeats and incremental rows.
func beginStream(w http.ResponseWriter, feedType string) {
	if feedType == feed.FeedEventsource {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// writeStreamBatch writes one batch of changes in the feed's wire
// shape and reports whether the stream is still writable.
func writeStreamBatch(fw *flushWriter, feedType string, resp *logstore.ChangesResponse) bool {
	for _, change := range resp.Results {
		payload, err := json.Marshal(change)
		if err != nil {
			return false
		}
		var frame []byte
		if feedType == feed.FeedEventsource {
			frame = []byte("data: " + string(payload) + "\nid: " + strconv.FormatInt(change.Seq, 10) + "\n\n")
		} else {
			frame = append(payload, '\n')
		}
		if _, err := fw.Write(frame); err != nil {
			return false
		}
	}
	return true
}

// writeStreamError reports a failure on an already-started stream. The
// status line is long gone, so the error rides in the body with a
// numeric code.
func writeStreamError(fw *flushWriter, feedType string) {
	payload, err := json.Marshal(map[string]any{
		"code":    503,
		"message": "Error processing your changes",
	})
	if err != nil {
		return
	}
	if feedType == feed.FeedEventsource {
		_, _ = fw.Write([]byte("data: " + string(payload) + "\n\n"))
		return
	}
	_, _ = fw.Write(append(payload, '\n'))
}

// writeChangesError maps feed-cycle failures on unstarted responses.
func writeChangesError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, feed.ErrMalformedUpstream):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"code":    503,
			"message": "Error processing your changes",
		})
	case errors.Is(err, feed.ErrSessionClosed):
		writeError(w, http.StatusGone, "gone", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away; nothing left to write.
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// flushWriter serializes writes from the feed loop and the heartbeat
// goroutine and flushes after each write.
type flushWriter struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func newFlushWriter(w http.ResponseWriter) (*flushWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &flushWriter{w: w, f: f}, true
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

// startHeartbeat emits a newline on the stream at the given interval
// until the returned stop function is called. Stop is idempotent.
func startHeartbeat(fw *flushWriter, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := fw.Write([]byte("\n")); err != nil {
					return
				}
			}
		}
	}()
	return func() {
		once.Do(func() { close(done) })
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
