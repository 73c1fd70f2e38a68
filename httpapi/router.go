// Package httpapi exposes the inbound webhook and the human-queue surface.
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/songzhibin97/chatflow/inbound"
	"github.com/songzhibin97/chatflow/types"
)

// Inbound processes webhook messages.
type Inbound interface {
	Handle(ctx context.Context, msg types.InboundMessage) (inbound.Result, error)
}

// Assignments is the human-queue surface.
type Assignments interface {
	Get(ctx context.Context, id uint64) (*types.Conversation, error)
	Claim(ctx context.Context, id uint64, agentID string) (*types.Conversation, error)
	Transfer(ctx context.Context, id uint64, toAgentID, queue string) (*types.Conversation, error)
	ReturnToQueue(ctx context.Context, id uint64) (*types.Conversation, error)
	Close(ctx context.Context, id uint64) (*types.Conversation, error)
	MarkRead(ctx context.Context, id uint64) (*types.Conversation, error)
}

// History reads message and audit records.
type History interface {
	RecentMessages(ctx context.Context, conversationID uint64, limit int) ([]types.MessageRecord, error)
	ListAudits(ctx context.Context, conversationID uint64) ([]types.AuditRecord, error)
}

// Replier sends an agent's message to the counterpart.
type Replier interface {
	Send(ctx context.Context, conv *types.Conversation, author types.Author, text string) (types.MessageRecord, error)
}

// Dependencies holds what the handlers need.
type Dependencies struct {
	Inbound     Inbound
	Assignments Assignments
	History     History
	Replier     Replier
	Logger      *slog.Logger
	// WebhookToken, when set, must match the X-Webhook-Token header.
	WebhookToken   string
	AllowedOrigins []string
	// AllowCredentials only takes effect with explicit AllowedOrigins.
	AllowCredentials bool
}

type server struct {
	deps   Dependencies
	logger *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := deps.AllowedOrigins
	credentials := deps.AllowCredentials
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
		credentials = false
	}
	s := &server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Token"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: credentials,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(webhookAuth(deps.WebhookToken))
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/webhooks/messages", s.receiveMessage)
	})

	r.Route("/conversations/{id}", func(r chi.Router) {
		r.Get("/", s.getConversation)
		r.Get("/audits", s.listAudits)
		r.Post("/claim", s.claim)
		r.Post("/transfer", s.transfer)
		r.Post("/return", s.returnToQueue)
		r.Post("/close", s.close)
		r.Post("/read", s.markRead)
		r.Post("/messages", s.sendAgentMessage)
	})

	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{Status: "ok"})
}

func webhookAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Webhook-Token")), []byte(token)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "token inválido")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()),
				"duration", time.Since(start))
		})
	}
}
