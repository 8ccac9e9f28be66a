package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/chatrelay"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the HTTP boundary: the webhook ingestion endpoint, the read
// API, and the websocket upgrade. It carries no domain rules of its own;
// domain errors from the processor and store map onto status codes here.
type Server struct {
	processor   *chatrelay.Processor
	store       chatrelay.EntityStore
	hub         *Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *log.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(processor *chatrelay.Processor, store chatrelay.EntityStore, hub *Hub, cfg ServerConfig, logger *log.Logger) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = log.Default()
	}
	limiter := &rateLimiter{
		window:  cfg.RateLimitWindow,
		max:     cfg.RateLimitMax,
		entries: map[string]rateEntry{},
	}
	return &Server{
		processor:   processor,
		store:       store,
		hub:         hub,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

// SetRateLimit adjusts the webhook rate limit at runtime. A max of zero
// disables limiting.
func (s *Server) SetRateLimit(max int, window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}
	s.rateLimiter.configure(max, window)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == "" {
		path = "/"
	}

	if path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if path == "/webhook" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	if path == "/ws/conversations" && r.Method == http.MethodGet {
		if s.hub == nil {
			writeError(w, http.StatusNotFound, "Not found", "live updates are not enabled")
			return
		}
		s.hub.ServeHTTP(w, r)
		return
	}
	if path == "/api/conversations" && r.Method == http.MethodGet {
		s.handleListConversations(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "conversations" && r.Method == http.MethodGet:
		s.handleGetConversation(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "conversations" && r.Method == http.MethodGet:
		s.handleGetConversation(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "conversations" && parts[3] == "messages" && r.Method == http.MethodGet:
		s.handleListMessages(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "api" && parts[1] == "conversations" && parts[3] == "close" && r.Method == http.MethodPost:
		s.handleCloseConversation(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "Not found", "route not found")
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if allowed, retryAfter := s.rateLimiter.allow(clientIP(r), time.Now().UTC()); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", "too many webhook requests from this address")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Invalid webhook data", "request body exceeds configured limit")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid webhook data", "failed to read request body")
		return
	}

	result, err := s.processor.ProcessRaw(r.Context(), body)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Event processed successfully",
		"result":  result,
	})
}

type conversationDetail struct {
	chatrelay.Conversation
	Messages []chatrelay.Message `json:"messages"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	conv, messages, err := s.store.GetConversation(r.Context(), id, s.isAuthenticated(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"data":   conversationDetail{Conversation: conv, Messages: messages},
	})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseConversationFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err.Error())
		return
	}
	summaries, listErr := s.store.ListConversations(r.Context(), filter)
	if listErr != nil {
		s.writeDomainError(w, listErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"count":  len(summaries),
		"data":   summaries,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, id string) {
	messages, err := s.store.ListMessages(r.Context(), id, s.isAuthenticated(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"count":  len(messages),
		"data":   messages,
	})
}

// handleCloseConversation is the operator-initiated close. Unlike the
// CLOSE_CONVERSATION webhook event it requires a user token, and the close
// time is the processing time because there is no event timestamp to carry.
func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request, id string) {
	claims, authErr := parseUserToken(bearerToken(r), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, "Unauthorized", authErr.message)
		return
	}
	conv, err := s.processor.Lifecycle().CloseConversation(r.Context(), id, s.processor.Now())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.logger.Printf("user %s closed conversation %s", claims.UserID, conv.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Conversation closed successfully",
		"data":    conv,
	})
}

// isAuthenticated reports whether the request carries a valid user token.
// Unauthenticated reads still succeed; they just never see internal notes.
func (s *Server) isAuthenticated(r *http.Request) bool {
	raw := bearerToken(r)
	if raw == "" {
		return false
	}
	_, authErr := parseUserToken(raw, s.cfg.JWTSecret, time.Now().UTC())
	return authErr == nil
}

func parseConversationFilter(r *http.Request) (chatrelay.ConversationFilter, error) {
	query := r.URL.Query()
	filter := chatrelay.ConversationFilter{
		Search: strings.TrimSpace(query.Get("search")),
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := chatrelay.ConversationStatus(strings.ToUpper(raw))
		if status != chatrelay.StatusOpen && status != chatrelay.StatusClosed {
			return chatrelay.ConversationFilter{}, errors.New("status must be OPEN or CLOSED")
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(query.Get("date_from")); raw != "" {
		from, err := parseQueryTime(raw)
		if err != nil {
			return chatrelay.ConversationFilter{}, errors.New("date_from is not a valid timestamp")
		}
		filter.DateFrom = &from
	}
	if raw := strings.TrimSpace(query.Get("date_to")); raw != "" {
		to, err := parseQueryTime(raw)
		if err != nil {
			return chatrelay.ConversationFilter{}, errors.New("date_to is not a valid timestamp")
		}
		filter.DateTo = &to
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return chatrelay.ConversationFilter{}, errors.New("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func parseQueryTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatrelay.ErrConversationClosed):
		writeError(w, http.StatusBadRequest, "Conversation is closed", err.Error())
	case errors.Is(err, chatrelay.ErrNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found", err.Error())
	case errors.Is(err, chatrelay.ErrInvalidInput),
		errors.Is(err, chatrelay.ErrDuplicateEntity),
		errors.Is(err, chatrelay.ErrInvalidState):
		writeError(w, http.StatusBadRequest, "Invalid webhook data", err.Error())
	default:
		s.logger.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", "An unexpected error occurred")
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, category, details string) {
	writeJSON(w, status, map[string]string{
		"error":   category,
		"details": details,
	})
}

func (r *rateLimiter) configure(max int, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.max = max
	r.window = window
	r.entries = map[string]rateEntry{}
}

// allow reports whether the caller is within the limit; when it is not,
// the second return is the Retry-After value in seconds.
func (r *rateLimiter) allow(key string, now time.Time) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max <= 0 {
		return true, 0
	}
	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true, 0
	}
	if entry.count >= r.max {
		retryAfter := int(math.Ceil(entry.resetAt.Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}
	entry.count++
	r.entries[key] = entry
	return true, 0
}
