package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codecollab/internal/config"
	"codecollab/internal/exec"
	"codecollab/internal/models"
	"codecollab/internal/session"
	"codecollab/internal/utils"
)

// maxRunBodyBytes caps the /run request body.
const maxRunBodyBytes = 1 << 20

type Executor interface {
	Execute(ctx context.Context, req exec.Request) (exec.Result, error)
}

type RoomHub interface {
	Serve(ctx context.Context, roomID string, c *session.Client)
	RoomInfo(roomID string) models.RoomInfo
}

type Handlers struct {
	log      *zap.Logger
	runner   Executor
	hub      RoomHub
	ws       config.WebSocketConfig
	upgrader websocket.Upgrader
	ready    func(context.Context) error
}

func NewHandlers(log *zap.Logger, runner Executor, hub RoomHub, ws config.WebSocketConfig) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		log:    log,
		runner: runner,
		hub:    hub,
		ws:     ws,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  ws.ReadBufferSize,
			WriteBufferSize: ws.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetReadyCheck installs the dependency probe used by /readyz.
func (h *Handlers) SetReadyCheck(fn func(context.Context) error) { h.ready = fn }

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	utils.Text(w, http.StatusOK, "ok")
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.log.Warn("readiness check failed", zap.Error(err))
			utils.Text(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	utils.Text(w, http.StatusOK, "ok")
}

func (h *Handlers) ListLanguages(w http.ResponseWriter, _ *http.Request) {
	utils.JSON(w, http.StatusOK, exec.Languages())
}

// RunCode executes the submitted program. Execution problems are reported in
// the body with status 200; only an undecodable request is a 400.
func (h *Handlers) RunCode(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBodyBytes)).Decode(&req); err != nil {
		utils.JSON(w, http.StatusBadRequest, models.RunResult{Error: "invalid request body"})
		return
	}

	// runs to completion even if the client disconnects
	ctx := context.WithoutCancel(r.Context())
	res, err := h.runner.Execute(ctx, exec.Request{Code: req.Code, Language: req.Language, Stdin: req.Input})
	if err != nil {
		utils.JSON(w, http.StatusOK, models.RunResult{Output: "", Error: err.Error()})
		return
	}
	elapsed := res.ElapsedMs
	utils.JSON(w, http.StatusOK, models.RunResult{Output: res.Stdout, Error: res.Stderr, Time: &elapsed})
}

func (h *Handlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	info := h.hub.RoomInfo(chi.URLParam(r, "roomID"))
	status := http.StatusOK
	if !info.Exists {
		status = http.StatusNotFound
	}
	utils.JSON(w, status, info)
}

/*** Room stream ***/

func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.String("room", roomID), zap.Error(err))
		return
	}
	if h.ws.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.ws.MaxMessageBytes)
	}

	client := session.NewClient(conn, h.ws.WriteWait)
	client.SetPingInterval(h.ws.PingInterval)
	h.hub.Serve(r.Context(), roomID, client)
}
