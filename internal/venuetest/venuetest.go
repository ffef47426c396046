// Package venuetest runs an in-process stand-in for the venue's HTTP and
// websocket endpoints so clients can be exercised without network access.
package venuetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// ExchangeCall is one recorded /exchange submission.
type ExchangeCall struct {
	Action    json.RawMessage `json:"action"`
	Nonce     uint64          `json:"nonce"`
	Signature struct {
		R string `json:"r"`
		S string `json:"s"`
		V uint8  `json:"v"`
	} `json:"signature"`
	VaultAddress *string `json:"vaultAddress"`
}

// WSMessage is one recorded client-to-server websocket frame.
type WSMessage struct {
	Method       string          `json:"method"`
	Subscription json.RawMessage `json:"subscription,omitempty"`
}

type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	exchangeCalls  []ExchangeCall
	exchangeErr    string
	exchangeCode   int
	maxBuilderFee  int
	mids           map[string]string
	clearinghouse  json.RawMessage
	frontendOrders json.RawMessage
	meta           json.RawMessage

	conns      []*websocket.Conn
	wsMessages []WSMessage
	upgrades   int

	// gorilla allows one concurrent writer per conn
	writeMu sync.Mutex
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func New() *Server {
	s := &Server{
		mids: make(map[string]string),
		meta: json.RawMessage(`{"universe":[
			{"name":"BTC","szDecimals":5,"maxLeverage":40},
			{"name":"ETH","szDecimals":4,"maxLeverage":25},
			{"name":"SOL","szDecimals":2,"maxLeverage":20}
		]}`),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/exchange", s.handleExchange)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = httptest.NewServer(mux)
	return s
}

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// URL is the HTTP base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// WSURL is the websocket endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

// FailExchangeWith makes subsequent /exchange calls return a venue rejection
// with the given reason. Pass "" to restore success.
func (s *Server) FailExchangeWith(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchangeErr = reason
}

// FailExchangeWithStatus makes subsequent /exchange calls fail at the HTTP
// layer. Pass 0 to restore success.
func (s *Server) FailExchangeWithStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchangeCode = code
}

func (s *Server) SetMaxBuilderFee(fee int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBuilderFee = fee
}

func (s *Server) SetMid(coin, mid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mids[coin] = mid
}

func (s *Server) SetClearinghouseState(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearinghouse = json.RawMessage(raw)
}

func (s *Server) SetFrontendOpenOrders(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frontendOrders = json.RawMessage(raw)
}

// ExchangeCalls returns every recorded /exchange submission in order.
func (s *Server) ExchangeCalls() []ExchangeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExchangeCall, len(s.exchangeCalls))
	copy(out, s.exchangeCalls)
	return out
}

// WSMessages returns every recorded client frame in order.
func (s *Server) WSMessages() []WSMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WSMessage, len(s.wsMessages))
	copy(out, s.wsMessages)
	return out
}

// Upgrades reports how many websocket connections were accepted.
func (s *Server) Upgrades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrades
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var call ExchangeCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.exchangeCalls = append(s.exchangeCalls, call)
	reason := s.exchangeErr
	code := s.exchangeCode
	s.mu.Unlock()

	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if reason != "" {
		json.NewEncoder(w).Encode(map[string]any{"status": "err", "response": reason})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"response": map[string]any{"type": "default"},
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch req.Type {
	case "meta":
		w.Write(s.meta)
	case "allMids":
		json.NewEncoder(w).Encode(s.mids)
	case "maxBuilderFee":
		json.NewEncoder(w).Encode(s.maxBuilderFee)
	case "clearinghouseState":
		if s.clearinghouse == nil {
			w.Write([]byte(`{"marginSummary":{},"assetPositions":[]}`))
			return
		}
		w.Write(s.clearinghouse)
	case "frontendOpenOrders":
		if s.frontendOrders == nil {
			w.Write([]byte(`[]`))
			return
		}
		w.Write(s.frontendOrders)
	default:
		w.Write([]byte(`{}`))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.upgrades++
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		s.mu.Lock()
		s.wsMessages = append(s.wsMessages, msg)
		s.mu.Unlock()

		switch msg.Method {
		case "ping":
			s.writeJSON(conn, map[string]any{"channel": "pong"})
		case "subscribe", "unsubscribe":
			s.writeJSON(conn, map[string]any{
				"channel": "subscriptionResponse",
				"data":    json.RawMessage(msg.Subscription),
			})
		}
	}
}

// PushFrame broadcasts a feed frame to every connected client.
func (s *Server) PushFrame(channel string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	frame := map[string]any{"channel": channel, "data": json.RawMessage(raw)}
	for _, conn := range conns {
		if err := s.writeJSON(conn, frame); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections severs every live websocket, simulating a network fault.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
