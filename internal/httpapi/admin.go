package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/features/payments"
)

type ctxKey string

const actorKey ctxKey = "actor"

// LoginRequest — вход в админ-панель.
type LoginRequest struct {
	UserID   int64  `json:"user_id" validate:"required,gt=0"`
	Password string `json:"password" validate:"required,max=256"`
}

// LoginResponse — выданный токен.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GrantRequest — ручное начисление.
type GrantRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0,lte=1000000"`
}

func actorFrom(ctx context.Context) int64 {
	id, _ := ctx.Value(actorKey).(int64)
	return id
}

// requireAdmin проверяет Bearer-токен и кладёт Telegram ID админа в контекст.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "нужен заголовок Authorization: Bearer <token>", nil)
			return
		}
		actor, err := s.admin.Authenticate(token)
		if err != nil {
			log.WithError(err).Debug("Отклонён токен админ-панели")
			writeError(w, http.StatusUnauthorized, "недействительный токен", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, expires, err := s.admin.Login(r.Context(), req.UserID, req.Password)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expires})
}

func accountParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "некорректный id аккаунта", nil)
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	info, err := s.admin.Inspect(r.Context(), actorFrom(r.Context()), id, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	var req GrantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tx, err := s.admin.Grant(r.Context(), actorFrom(r.Context()), id, req.Amount)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, ok := accountParam(w, r)
	if !ok {
		return
	}
	tx, err := s.admin.Revoke(r.Context(), actorFrom(r.Context()), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if tx == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "nothing to revoke"})
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleBan(banned bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := accountParam(w, r)
		if !ok {
			return
		}
		actor := actorFrom(r.Context())
		var err error
		if banned {
			err = s.admin.Ban(r.Context(), actor, id)
		} else {
			err = s.admin.Unban(r.Context(), actor, id)
		}
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "banned": banned})
	}
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := payments.Filter{Status: payments.Status(strings.ToUpper(q.Get("status")))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "неизвестный статус", nil)
		return
	}
	if v := q.Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "некорректный account_id", nil)
			return
		}
		filter.AccountID = id
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))

	events, err := s.reconciler.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []*payments.PaymentEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "некорректный id события", nil)
		return
	}
	ev, err := s.reconciler.Event(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// writeServiceError переводит сентинелы в HTTP-статусы.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if common.IsExpected(err) {
		log.WithError(err).Debug("Отказ админ-API")
	}
	switch {
	case errors.Is(err, common.ErrUnauthorized), errors.Is(err, common.ErrWrongPassword):
		writeError(w, http.StatusUnauthorized, err.Error(), nil)
	case errors.Is(err, common.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, err.Error(), nil)
	case errors.Is(err, common.ErrAccountNotFound), errors.Is(err, payments.ErrEventNotFound):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, common.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	default:
		log.WithError(err).Error("Ошибка админ-API")
		writeError(w, http.StatusInternalServerError, "внутренняя ошибка", nil)
	}
}
