package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"zk-agent-go/internal/capture"
	"zk-agent-go/internal/config"
	"zk-agent-go/internal/faults"
	"zk-agent-go/internal/types"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 16
)

// Controller runs device operations on behalf of HTTP callers.
type Controller interface {
	Capture(ctx context.Context) (types.SampleInfo, error)
	StopCapture()
	Identify(ctx context.Context, template []byte) (types.Identification, error)
	Compare(a, b []byte) (capture.MatchResult, error)
}

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	ctrl     Controller
	cfg      config.AppConfig
	statusFn func() map[string]any
}

func New(cfg config.AppConfig, hub *Hub, ctrl Controller, statusFn func() map[string]any) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub:      hub,
		ctrl:     ctrl,
		cfg:      cfg,
		statusFn: statusFn,
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	r.HandleFunc("/clients", s.handleClients).Methods(http.MethodGet)
	r.HandleFunc("/capture", s.handleCapture).Methods(http.MethodPost)
	r.HandleFunc("/capture/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/identify", s.handleIdentify).Methods(http.MethodPost)
	r.HandleFunc("/compare", s.handleCompare).Methods(http.MethodPost)
	return r
}

// Run serves until ctx is done, then shuts the hub and the listener down.
func Run(ctx context.Context, cfg config.AppConfig, hub *Hub, ctrl Controller, statusFn func() map[string]any) error {
	srv := New(cfg, hub, ctrl, statusFn)
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go hub.RunHeartbeat(ctx)
	go func() {
		<-ctx.Done()
		hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) WriteJSON(v any) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t wsTransport) Close() error {
	return t.conn.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)

	client := s.hub.Connect(wsTransport{conn: conn}, r.RemoteAddr)
	if client == nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		s.hub.MarkAlive(client.ID)
		return nil
	})

	go func() {
		defer conn.Close()
		defer s.hub.Disconnect(client.ID)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			s.hub.HandleMessage(client.ID, payload)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.statusFn != nil {
		payload = s.statusFn()
	}
	payload["ws"] = s.hub.Status()
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"port":            s.cfg.Port,
		"device_index":    s.cfg.DeviceIndex,
		"capture_timeout": s.cfg.CaptureTimeout.String(),
		"poll_interval":   s.cfg.PollInterval.String(),
		"heartbeat":       s.cfg.HeartbeatInterval.String(),
		"debug":           s.cfg.Debug,
	})
}

func (s *Server) handleClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Clients())
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	info, err := s.ctrl.Capture(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.StopCapture()
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Template string `json:"template"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameSize)).Decode(&req); err != nil {
		writeError(w, faults.Wrap(faults.CodeInvalid, err, "decode request"))
		return
	}
	template, err := base64.StdEncoding.DecodeString(req.Template)
	if err != nil || len(template) == 0 {
		writeError(w, faults.New(faults.CodeInvalid, "template must be non-empty base64"))
		return
	}
	result, err := s.ctrl.Identify(r.Context(), template)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Template1 string `json:"template1"`
		Template2 string `json:"template2"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameSize)).Decode(&req); err != nil {
		writeError(w, faults.Wrap(faults.CodeInvalid, err, "decode request"))
		return
	}
	a, errA := base64.StdEncoding.DecodeString(req.Template1)
	b, errB := base64.StdEncoding.DecodeString(req.Template2)
	if errA != nil || errB != nil {
		writeError(w, faults.New(faults.CodeInvalid, "templates must be base64"))
		return
	}
	result, err := s.ctrl.Compare(a, b)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	code := faults.CodeOf(err)
	if code == "" {
		log.Printf("http: unclassified error: %v", err)
	}
	writeJSON(w, statusFor(code), map[string]any{
		"error":   faults.MessageOf(err),
		"code":    code,
		"success": false,
	})
}

func statusFor(code faults.Code) int {
	switch code {
	case faults.CodeInvalid:
		return http.StatusBadRequest
	case faults.CodeBusy:
		return http.StatusConflict
	case faults.CodeTimeout:
		return http.StatusRequestTimeout
	case faults.CodeCancelled:
		return http.StatusGone
	case faults.CodeNoDevice, faults.CodeHandleInvalid, faults.CodeBinding:
		return http.StatusServiceUnavailable
	case faults.CodeHardware, faults.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
