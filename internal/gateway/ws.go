package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/jmanhype/cybernetic/internal/monitoring"
	"github.com/jmanhype/cybernetic/internal/pubsub"
)

// wsFrame is the JSON shape sent for each event on the WebSocket tap.
type wsFrame struct {
	ID    string          `json:"id"`
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
}

// handleWS upgrades the request and mirrors the tenant's event stream
// over WebSocket. The tap is read-only: client text frames are drained,
// pings are answered, close ends the session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r.Context())

	bases, err := parseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP already answered the client.
		s.logger.Debug().Err(err).Str("tenant", identity.Tenant).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	topics := subscriptionTopics(identity, bases)
	sub := s.events.Subscribe(topics, "")
	defer sub.Cancel()

	monitoring.WSTapOpened()
	defer monitoring.WSTapClosed()
	s.logger.Debug().
		Str("tenant", identity.Tenant).
		Strs("topics", topics).
		Msg("WebSocket tap opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Event frames and control replies come from different goroutines;
	// the mutex keeps their writes from interleaving on the wire.
	var writeMu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wsWriteLoop(ctx, conn, &writeMu, sub.C, bases)
	}()

	s.wsReadLoop(conn, &writeMu)
	cancel()
	<-done
}

// wsWriteLoop forwards filtered events until the context ends or a write
// fails.
func (s *Server) wsWriteLoop(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, events <-chan pubsub.Event, bases []string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if !matchesFilter(bases, ev.Type) {
				continue
			}
			payload, err := json.Marshal(wsFrame{
				ID:    ev.ID,
				Topic: ev.Topic,
				Type:  ev.Type,
				Data:  json.RawMessage(ev.Data),
			})
			if err != nil {
				continue
			}
			writeMu.Lock()
			err = wsutil.WriteServerMessage(conn, ws.OpText, payload)
			writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

// wsReadLoop services control frames and discards everything else.
func (s *Server) wsReadLoop(conn net.Conn, writeMu *sync.Mutex) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)
	for {
		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("WebSocket read failed")
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			writeMu.Lock()
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			writeMu.Unlock()
			return
		case ws.OpPing:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
			writeMu.Lock()
			err = wsutil.WriteServerMessage(conn, ws.OpPong, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}
