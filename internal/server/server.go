// Package server implements the dashboard: the REST surface and realtime
// WebSocket stream §6 describes, wired to the core pipeline (alerts,
// issues, plugins, chat, approvals, audit, remediation) through their
// package APIs rather than any shared mutable state.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/alerts"
	"github.com/opsagent/agent/internal/approval"
	"github.com/opsagent/agent/internal/audit"
	"github.com/opsagent/agent/internal/chatllm"
	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/issues"
	"github.com/opsagent/agent/internal/plugins"
	"github.com/opsagent/agent/internal/remediation"
	"github.com/opsagent/agent/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the dashboard's HTTP+realtime front end.
type Server struct {
	store        storage.Store
	bus          *events.Bus
	alerts       *alerts.Manager
	issues       *issues.Manager
	plugins      *plugins.Registry
	approvals    *approval.Manager
	audit        *audit.Log
	chat         *chatllm.Orchestrator
	remediation  *remediation.Engine
	hub          *Hub
	router       *mux.Router
	httpSrv      *http.Server
	log          *zap.Logger
	startedAt    time.Time
}

// Deps bundles every core collaborator the dashboard reads from or
// writes through.
type Deps struct {
	Store       storage.Store
	Bus         *events.Bus
	Alerts      *alerts.Manager
	Issues      *issues.Manager
	Plugins     *plugins.Registry
	Approvals   *approval.Manager
	Audit       *audit.Log
	Chat        *chatllm.Orchestrator
	Remediation *remediation.Engine
	Log         *zap.Logger
}

// New builds a Server and its route table. Listen is a separate step so
// bootstrap can wire everything before binding the port.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		store: d.Store, bus: d.Bus, alerts: d.Alerts, issues: d.Issues,
		plugins: d.Plugins, approvals: d.Approvals, audit: d.Audit,
		chat: d.Chat, remediation: d.Remediation,
		log: log.Named("server"), startedAt: time.Now(),
	}
	s.hub = NewHub(s.snapshot)
	s.router = s.setupRoutes()
	return s
}

// Listen starts the realtime hub loop and an event-bus subscriber that
// forwards every core event onto connected WebSocket clients, then binds
// and serves the HTTP port. It blocks until the server stops or errors.
func (s *Server) Listen(addr string) error {
	go s.hub.Run()
	go s.bridgeEvents()

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: SecurityHeadersMiddleware(s.router),
	}
	s.log.Info("dashboard listening", zap.String("addr", addr))
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// bridgeEvents subscribes to every core event and republishes it to the
// dashboard hub under its own type name, satisfying §6's realtime
// taxonomy (metrics, alert, agent-result, chat:*, plugin:*, approval:*).
func (s *Server) bridgeEvents() {
	ch := s.bus.Subscribe("dashboard", nil)
	for ev := range ch {
		s.hub.Broadcast(string(ev.Type), ev.Payload)
	}
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledgeAlert).Methods(http.MethodPost)

	api.HandleFunc("/agent/results", s.handleAgentResults).Methods(http.MethodGet)
	api.HandleFunc("/agent/approve/{alertId}/{actionIndex}", s.handleAgentApprove).Methods(http.MethodPost)

	api.HandleFunc("/plugins", s.handleListPlugins).Methods(http.MethodGet)
	api.HandleFunc("/servers/{sid}/plugins", s.handleListServerPlugins).Methods(http.MethodGet)
	api.HandleFunc("/servers/{sid}/plugins", s.handleCreateServerPlugin).Methods(http.MethodPost)
	api.HandleFunc("/servers/{sid}/plugins/{iid}", s.handleGetServerPlugin).Methods(http.MethodGet)
	api.HandleFunc("/servers/{sid}/plugins/{iid}", s.handleDeleteServerPlugin).Methods(http.MethodDelete)
	api.HandleFunc("/servers/{sid}/plugins/{iid}/health", s.handlePluginHealth).Methods(http.MethodGet)
	api.HandleFunc("/servers/{sid}/plugins/{iid}/tools", s.handlePluginTools).Methods(http.MethodGet)
	api.HandleFunc("/servers/{sid}/plugins/{iid}/execute", s.handlePluginExecute).Methods(http.MethodPost)

	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/close", s.handleCloseSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}/messages", s.handlePostMessage).Methods(http.MethodPost)

	api.HandleFunc("/approvals", s.handleListApprovals).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}", s.handleGetApproval).Methods(http.MethodGet)
	api.HandleFunc("/approvals/{id}/approve", s.handleApproveRequest).Methods(http.MethodPost)
	api.HandleFunc("/approvals/{id}/reject", s.handleRejectRequest).Methods(http.MethodPost)

	api.HandleFunc("/audit", s.handleListAudit).Methods(http.MethodGet)
	api.HandleFunc("/audit/stats", s.handleAuditStats).Methods(http.MethodGet)

	api.HandleFunc("/issues/{issueId}/process-feedback", s.handleProcessFeedback).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.handleWebSocket)

	return r
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{hub: s.hub, conn: conn, send: make(chan []byte, WebSocketBufferSize)}
	s.hub.Register(client)
	go client.writePump()
	go client.readPump()
}

// snapshot builds the in-memory state frame sent in reply to a
// request-state control frame.
func (s *Server) snapshot() any {
	return map[string]any{
		"activeAlerts": s.alerts.Active(),
		"alertHistory": s.alerts.History(),
		"startedAt":    s.startedAt,
	}
}
