package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// writeTimeout bounds a single outbound frame write so one stalled client
// cannot wedge a party's fan-out.
const writeTimeout = 5 * time.Second

// Routes registers the hub's HTTP surface on mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /chat/party/{party_id}", h.serveWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}

// wsSender adapts a websocket connection to the [party.Sender] interface
// with a per-frame write deadline.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, s.conn, v)
}

// serveWS upgrades the request, joins the party, and pumps inbound frames
// until the client goes away.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	partyID := r.PathValue("party_id")
	characterID := r.URL.Query().Get("character_id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "party_id", partyID, "err", err)
		return
	}

	ctx := r.Context()
	live, pc, err := h.Connect(ctx, partyID, characterID, userID, &wsSender{conn: conn})
	if err != nil {
		status := websocket.StatusInternalError
		if errors.Is(err, ErrPartyNotFound) {
			status = websocket.StatusPolicyViolation
		}
		slog.Warn("connect rejected", "party_id", partyID, "user_id", userID, "err", err)
		conn.Close(status, "connect failed")
		return
	}
	defer h.Disconnect(context.WithoutCancel(ctx), live, pc)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					slog.Warn("websocket read failed", "party_id", partyID, "user_id", userID, "err", err)
				}
			}
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		h.HandleFrame(ctx, live, pc, data)
	}
}
