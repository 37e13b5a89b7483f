// Package httpapi — HTTP-сервер бота: вебхук платёжного шлюза, API админ-панели,
// /healthz и /metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/config"
	"serotonyl.ru/assistant-bot/internal/features/admin"
	"serotonyl.ru/assistant-bot/internal/features/payments"
	"serotonyl.ru/assistant-bot/internal/metrics"
)

// Server — HTTP-сервер приложения.
type Server struct {
	reconciler *payments.Reconciler
	admin      *admin.Service
	metrics    *metrics.Metrics

	webhookSecret []byte
	maxBodyBytes  int64
	corsOrigins   []string

	httpServer *http.Server
}

// NewServer собирает роутер. m может быть nil, тогда /metrics не публикуется.
func NewServer(cfg *config.Config, reconciler *payments.Reconciler, adminService *admin.Service, m *metrics.Metrics) *Server {
	s := &Server{
		reconciler:    reconciler,
		admin:         adminService,
		metrics:       m,
		webhookSecret: []byte(cfg.GatewayWebhookSecret),
		maxBodyBytes:  cfg.WebhookMaxBodyBytes,
		corsOrigins:   cfg.CORSAllowedOrigins,
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = 64 << 10
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Routes возвращает корневой обработчик.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Post("/webhooks/yookassa", s.handleGatewayWebhook)

	r.Route("/admin/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))

		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/accounts/{id}", s.handleGetAccount)
			r.Post("/accounts/{id}/grant", s.handleGrant)
			r.Post("/accounts/{id}/revoke", s.handleRevoke)
			r.Post("/accounts/{id}/ban", s.handleBan(true))
			r.Post("/accounts/{id}/unban", s.handleBan(false))
			r.Get("/payments", s.handleListPayments)
			r.Get("/payments/{id}", s.handleGetPayment)
		})
	})
	return r
}

// Start слушает HTTP_ADDR в отдельной горутине.
func (s *Server) Start() {
	go func() {
		log.WithField("addr", s.httpServer.Addr).Info("HTTP-сервер запущен")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP-сервер упал")
		}
	}()
}

// Shutdown дожидается текущих запросов (в пределах ctx) и останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(started).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP-запрос")
	})
}
