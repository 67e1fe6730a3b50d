package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

type ctxKey struct{}

// Handler serves the remote progress API. Every route requires an HS256
// bearer token whose subject is the player's user id.
type Handler struct {
	store  Store
	secret []byte
	router *mux.Router
}

// NewHandler builds the /v1 routes over store.
func NewHandler(store Store, secret []byte) *Handler {
	h := &Handler{store: store, secret: secret, router: mux.NewRouter()}
	v1 := h.router.PathPrefix("/v1").Subrouter()
	v1.Use(h.authenticate)
	v1.HandleFunc("/progress", h.handleGetProgress).Methods(http.MethodGet)
	v1.HandleFunc("/progress", h.handlePutProgress).Methods(http.MethodPut)
	v1.HandleFunc("/sessions", h.handleRecordSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", h.handleListSessions).Methods(http.MethodGet)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// IssueToken signs a token for userID valid for ttl.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("jwt secret is required")
	}
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken returns the user id carried by a valid token.
func ParseToken(secret []byte, token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID, err := ParseToken(h.secret, token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (h *Handler) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.GetProgress(r.Context(), userFrom(r))
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "no progress", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("remote: get progress: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handlePutProgress(w http.ResponseWriter, r *http.Request) {
	var snap Snapshot
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&snap); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if snap.XP < 0 || snap.Level < 0 {
		http.Error(w, "xp and level must not be negative", http.StatusBadRequest)
		return
	}
	merged, err := h.store.MergeProgress(r.Context(), userFrom(r), snap)
	if err != nil {
		log.Printf("remote: merge progress: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (h *Handler) handleRecordSession(w http.ResponseWriter, r *http.Request) {
	var rec SessionRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&rec); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(rec.ID) == "" || rec.Minutes < 0 || rec.XPGained < 0 {
		http.Error(w, "invalid session", http.StatusBadRequest)
		return
	}
	created, err := h.store.RecordSession(r.Context(), userFrom(r), rec)
	if err != nil {
		log.Printf("remote: record session: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"created": created})
}

// SessionList is the body of GET /v1/sessions.
type SessionList struct {
	Sessions []SessionRecord `json:"sessions"`
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListSessions(r.Context(), userFrom(r))
	if err != nil {
		log.Printf("remote: list sessions: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []SessionRecord{}
	}
	writeJSON(w, http.StatusOK, SessionList{Sessions: list})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("remote: encode response: %v", err)
	}
}
