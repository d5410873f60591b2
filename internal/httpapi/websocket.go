package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/fieldhealth/changegate/internal/feed"
	"github.com/fieldhealth/changegate/internal/logstore"
)

// handleWebsocket serves the continuous feed over a websocket: one
// text message per change, heartbeats as pings. Auth and parameter
// errors are reported before the upgrade; after it, failures close the
// socket with a status code.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ident, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	params, heartbeat, paramErr := s.parseChangesParams(r, feed.FeedWebsocket)
	if paramErr != nil {
		writeError(w, paramErr.status, paramErr.code, paramErr.message)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if heartbeat > 0 {
		go func() {
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := conn.Ping(ctx); err != nil {
						cancel()
						return
					}
				}
			}
		}()
	}

	if ident.Can(feed.PermBypassFiltering) {
		s.streamRawWebsocket(ctx, conn, params)
		return
	}

	session := feed.NewSession(ident, params)
	defer session.Close()
	s.registry.Register(session)
	defer s.registry.Deregister(session)

	for {
		resp, err := s.engine.Next(ctx, session, true)
		if err != nil {
			if ctx.Err() == nil {
				conn.Close(websocket.StatusInternalError, "Error processing your changes")
			}
			return
		}
		for _, change := range resp.Results {
			payload, err := json.Marshal(change)
			if err != nil {
				conn.Close(websocket.StatusInternalError, "encode failed")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

func (s *Server) streamRawWebsocket(ctx context.Context, conn *websocket.Conn, params feed.SessionParams) {
	cursor := params.Since
	for {
		resp, err := s.store.Changes(ctx, changesOptionsFor(params, cursor))
		if err != nil {
			if ctx.Err() == nil {
				conn.Close(websocket.StatusInternalError, "Error processing your changes")
			}
			return
		}
		for _, change := range resp.Results {
			payload, err := json.Marshal(change)
			if err != nil {
				conn.Close(websocket.StatusInternalError, "encode failed")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
		cursor = resp.LastSeq
	}
}

func changesOptionsFor(params feed.SessionParams, cursor int64) logstore.ChangesOptions {
	return logstore.ChangesOptions{
		Since:  cursor,
		Limit:  params.Limit,
		DocIDs: params.DocIDs,
		Style:  params.Style,
		Wait:   true,
	}
}
