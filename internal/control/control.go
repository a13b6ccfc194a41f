package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/NodePath81/speedcheck/internal/config"
	"github.com/NodePath81/speedcheck/internal/metrics"
	"github.com/NodePath81/speedcheck/internal/model"
	"github.com/NodePath81/speedcheck/internal/settings"
	"github.com/NodePath81/speedcheck/internal/speedtest"
	"github.com/NodePath81/speedcheck/internal/util"
	"github.com/NodePath81/speedcheck/internal/version"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	wsTokenPrefix     = "speedcheck-token."
	wsPrimaryProtocol = "speedcheck"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

type Tester interface {
	Start(ctx context.Context, cfg model.ProbeConfiguration) (uuid.UUID, <-chan speedtest.Outcome)
	Testing() bool
	LastOutcome() (speedtest.Outcome, bool)
}

type SettingsStore interface {
	Load() (settings.Record, error)
	SaveIfChanged(rec settings.Record) (bool, error)
}

type ControlServer struct {
	cfg       config.ControlConfig
	tester    Tester
	store     SettingsStore
	metrics   *metrics.Metrics
	status    *StatusStore
	restartFn func() error
	logger    util.Logger
	server    *http.Server
	limiter   *ipLimiter
	startTime time.Time

	ctxMu   sync.RWMutex
	baseCtx context.Context
}

func NewControlServer(cfg config.ControlConfig, tester Tester, store SettingsStore, metrics *metrics.Metrics, status *StatusStore, restartFn func() error, logger util.Logger) *ControlServer {
	return &ControlServer{
		cfg:       cfg,
		tester:    tester,
		store:     store,
		metrics:   metrics,
		status:    status,
		restartFn: restartFn,
		logger:    logger,
		limiter:   newIPLimiter(rpcRatePerSecond, rpcRateBurst),
		startTime: time.Now(),
		baseCtx:   context.Background(),
	}
}

// Handler returns the control mux. Tests mount it on an httptest server.
func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.IsEnabled() && c.metrics != nil {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	mux.HandleFunc("/rpc", c.handleRPC)
	mux.HandleFunc("/status", c.handleStatus)
	return mux
}

func (c *ControlServer) Start(ctx context.Context) error {
	c.ctxMu.Lock()
	c.baseCtx = ctx
	c.ctxMu.Unlock()

	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.server = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", addr)
	return nil
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type runTestResponse struct {
	RunID  string                   `json:"run_id"`
	Config model.ProbeConfiguration `json:"config"`
}

type statusResponse struct {
	Testing    bool    `json:"testing"`
	Version    string  `json:"version"`
	UptimeSecs float64 `json:"uptime_seconds"`
	LastRunID  string  `json:"last_run_id,omitempty"`
	LastOk     *bool   `json:"last_ok,omitempty"`
}

type updateSettingsResponse struct {
	Changed  bool            `json:"changed"`
	Settings settings.Record `json:"settings"`
}

func (c *ControlServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.allow(remoteHost(r), time.Now()) {
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !c.authorized(r, false) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	switch req.Method {
	case "RunTest":
		rec, err := c.store.Load()
		if err != nil {
			c.logger.Error("settings load failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: "settings unavailable"})
			return
		}
		cfg := rec.ProbeConfiguration()
		id, _ := c.tester.Start(c.runContext(), cfg)
		c.logger.Info("speed test requested", "run", id, "source", "rpc")
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: runTestResponse{RunID: id.String(), Config: cfg}})
	case "Restart":
		if c.restartFn == nil {
			writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "restart unavailable"})
			return
		}
		go func() {
			c.logger.Info("restart invoked")
			if err := c.restartFn(); err != nil {
				c.logger.Error("restart failed", "error", err)
			}
		}()
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true})
	case "GetStatus":
		resp := statusResponse{
			Testing:    c.tester.Testing(),
			Version:    version.Version,
			UptimeSecs: time.Since(c.startTime).Seconds(),
		}
		if last, ok := c.tester.LastOutcome(); ok {
			lastOk := last.Err == nil
			resp.LastRunID = last.RunID.String()
			resp.LastOk = &lastOk
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
	case "GetSettings":
		rec, err := c.store.Load()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: "settings unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: rec})
	case "UpdateSettings":
		rec, err := c.store.Load()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, rpcResponse{Ok: false, Error: "settings unavailable"})
			return
		}
		// Params overlay the stored record; omitted fields keep their value.
		if err := json.Unmarshal(req.Params, &rec); err != nil {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid params"})
			return
		}
		rec.TargetURL = strings.TrimSpace(rec.TargetURL)
		changed, err := c.store.SaveIfChanged(rec)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: err.Error()})
			return
		}
		if changed {
			c.logger.Info("settings updated", "target", rec.TargetURL, "theme", rec.Theme.String(),
				"download", rec.MeasureDownload, "upload", rec.MeasureUpload)
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: updateSettingsResponse{Changed: changed, Settings: rec}})
	case "GetLastResult":
		last, ok := c.tester.LastOutcome()
		if !ok {
			writeJSON(w, http.StatusNotFound, rpcResponse{Ok: false, Error: "no completed test"})
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: NewOutcomePayload(last)})
	default:
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
	}
}

func (c *ControlServer) runContext() context.Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.baseCtx
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r, true) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  sameOrigin,
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := &statusClient{send: make(chan []byte, 32)}
	c.status.hub.Register(client)

	var closeOnce sync.Once
	done := make(chan struct{})
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			closeConn()
			c.status.hub.Unregister(client)
		})
	}

	// Snapshot requests are answered by the writer so only one goroutine
	// ever writes to conn.
	snapshotReq := make(chan struct{}, 1)
	requestSnapshot := func() {
		select {
		case snapshotReq <- struct{}{}:
		default:
		}
	}
	requestSnapshot()

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			if req.Type == "snapshot" {
				requestSnapshot()
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		write := func(data []byte) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteMessage(websocket.TextMessage, data) == nil
		}
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case <-snapshotReq:
				for _, msg := range c.status.Snapshot() {
					data, _ := json.Marshal(msg)
					if !write(data) {
						return
					}
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				if !write(data) {
					return
				}
			}
		}
	}()
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler(w, r)
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
