package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/nomo-app/backend/internal/content"
	"github.com/nomo-app/backend/internal/entitlement"
	"github.com/nomo-app/backend/internal/progression"
)

// Refresher triggers an out-of-band remote pull.
type Refresher interface {
	Refresh()
}

type mount struct {
	prefix  string
	handler http.Handler
}

// Server exposes the progression engine to the UI over HTTP and websocket.
type Server struct {
	engine       *progression.Engine
	entitlements *entitlement.Cache
	broadcaster  *Broadcaster
	syncer       Refresher
	authToken    string

	corsOrigins    []string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	mounts         []mount
}

func NewServer(engine *progression.Engine, entitlements *entitlement.Cache, broadcaster *Broadcaster, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		engine:         engine,
		entitlements:   entitlements,
		broadcaster:    broadcaster,
		authToken:      authToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.corsOrigins = append(s.corsOrigins, trimmed)
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetSyncer enables POST /api/sync. Must be called before Handler.
func (s *Server) SetSyncer(r Refresher) {
	s.syncer = r
}

// Mount serves h under prefix with the prefix stripped. Mounted handlers do
// their own authentication. Must be called before Handler.
func (s *Server) Mount(prefix string, h http.Handler) {
	s.mounts = append(s.mounts, mount{prefix: strings.TrimRight(prefix, "/"), handler: h})
}

// Handler builds the router wrapped in CORS and security headers.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	for _, m := range s.mounts {
		r.PathPrefix(m.prefix + "/").Handler(http.StripPrefix(m.prefix, m.handler))
	}

	r.Handle("/ws", s.requireAuth(http.HandlerFunc(s.handleWS)))

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/progress", s.handleProgress).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.handleSession).Methods(http.MethodPost)
	api.HandleFunc("/xp", s.handleDirectXP).Methods(http.MethodPost)
	api.HandleFunc("/world", s.handleWorld).Methods(http.MethodPost)
	api.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/content", s.handleContent).Methods(http.MethodGet)
	api.HandleFunc("/entitlement", s.handleEntitlement).Methods(http.MethodPut)

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return securityHeaders(c.Handler(r))
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("WebSocket client rejected: %s: %v", r.RemoteAddr, err)
		if data, encErr := s.broadcaster.encode(MsgError, ErrorPayload{Message: err.Error()}); encErr == nil {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.WriteMessage(websocket.TextMessage, data)
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Printf("WebSocket client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"degraded": s.engine.Degraded(),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

type sessionRequest struct {
	Minutes float64 `json:"minutes"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Minutes < 0 || math.IsNaN(req.Minutes) || req.Minutes > progression.MaxSessionMinutes {
		http.Error(w, fmt.Sprintf("minutes must be between 0 and %d", progression.MaxSessionMinutes), http.StatusBadRequest)
		return
	}
	mult := 1.0
	if s.entitlements != nil {
		mult = s.entitlements.SubscriptionMultiplier()
	}
	writeJSON(w, http.StatusOK, s.engine.AwardSessionXP(req.Minutes, mult))
}

type directXPRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) handleDirectXP(w http.ResponseWriter, r *http.Request) {
	var req directXPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.AwardDirectXP(req.Amount, req.Reason))
}

type worldRequest struct {
	WorldID string `json:"worldId"`
}

func (s *Server) handleWorld(w http.ResponseWriter, r *http.Request) {
	var req worldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.Travel(req.WorldID); err != nil {
		if errors.Is(err, progression.ErrWorldLocked) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetProgress()
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		http.Error(w, "sync not configured", http.StatusServiceUnavailable)
		return
	}
	s.syncer.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

// ContentResponse describes the static tables and the full level curve.
type ContentResponse struct {
	MaxLevel        int                    `json:"maxLevel"`
	LevelThresholds []int                  `json:"levelThresholds"`
	SessionAwards   []content.SessionAward `json:"sessionAwards"`
	Creatures       []content.Creature     `json:"creatures"`
	Worlds          []content.World        `json:"worlds"`
	Milestones      []content.Milestone    `json:"milestones"`
	BonusTiers      []bonusTierResponse    `json:"bonusTiers"`
}

type bonusTierResponse struct {
	Name       string  `json:"name"`
	Chance     float64 `json:"chance"`
	Multiplier float64 `json:"multiplier"`
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	tables := s.engine.Tables()
	curve := s.engine.Curve()

	resp := ContentResponse{
		MaxLevel:      curve.MaxLevel(),
		SessionAwards: tables.SessionAwards,
		Creatures:     tables.Creatures,
		Worlds:        tables.Worlds,
		Milestones:    tables.Milestones,
	}
	for l := 0; l <= curve.MaxLevel(); l++ {
		resp.LevelThresholds = append(resp.LevelThresholds, curve.ThresholdFor(l))
	}
	prev := 0.0
	for _, t := range tables.BonusTiers {
		resp.BonusTiers = append(resp.BonusTiers, bonusTierResponse{
			Name:       t.Name,
			Chance:     (t.Below - prev) / 100,
			Multiplier: t.Multiplier,
		})
		prev = t.Below
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	if s.entitlements == nil {
		http.Error(w, "entitlements not configured", http.StatusServiceUnavailable)
		return
	}
	var rec entitlement.Record
	if !decodeBody(w, r, &rec) {
		return
	}
	if err := s.entitlements.Set(rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":       rec.Tier,
		"multiplier": s.entitlements.SubscriptionMultiplier(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if s.allowedOrigins["*"] {
		return true
	}
	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Hostname()
	return parsed.Host == r.Host || host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// NewHTTPServer returns an http.Server for h on addr.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
