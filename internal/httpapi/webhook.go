package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/features/payments"
)

// handleGatewayWebhook принимает уведомления платёжного шлюза.
//
// 200 — уведомление обработано окончательно (APPLIED, DUPLICATE, REJECTED или не требует начисления),
// 400 — подпись верна, но тело не разобрать, 401 — тело не разобрать и подпись неверна,
// 413 — тело больше WEBHOOK_MAX_BODY_BYTES, 500 — временный сбой, шлюз повторит доставку.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	status := s.processWebhook(w, r)
	s.metrics.ObserveWebhook(strconv.Itoa(status), time.Since(started))
}

func (s *Server) processWebhook(w http.ResponseWriter, r *http.Request) int {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "тело слишком большое", nil)
			return http.StatusRequestEntityTooLarge
		}
		writeError(w, http.StatusBadRequest, "не удалось прочитать тело", nil)
		return http.StatusBadRequest
	}

	signature := r.Header.Get(payments.SignatureHeader)
	verifier := payments.HMACVerifier{Secret: s.webhookSecret, Body: body}
	logger := log.WithField("component", "webhook")

	notification, err := payments.ParseGatewayNotification(body)
	var ev *payments.PaymentEvent
	if err == nil {
		ev, err = notification.ToEvent(signature)
	}
	if err != nil {
		// Без разобранного тела событие не создать: подпись проверяем отдельно
		if verifier.Verify(r.Context(), &payments.PaymentEvent{Signature: signature}) != nil {
			logger.WithError(err).Warn("Неразборчивое тело с неверной подписью")
			writeError(w, http.StatusUnauthorized, "неверная подпись", nil)
			return http.StatusUnauthorized
		}
		logger.WithError(err).Error("Подписанное тело не разобрано")
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return http.StatusBadRequest
	}

	logger = logger.WithFields(log.Fields{
		"external_id": notification.Object.ID,
		"event":       notification.Event,
		"status":      notification.Object.Status,
	})
	if !notification.Creditable() {
		logger.Info("Уведомление без начисления, пропускаем")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return http.StatusOK
	}

	res, err := s.reconciler.Process(r.Context(), ev, verifier)
	if err != nil {
		logger.WithError(err).Error("Временный сбой обработки платежа")
		writeError(w, http.StatusInternalServerError, "временная ошибка, повторите позже", nil)
		return http.StatusInternalServerError
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(res.Event.Status)})
	return http.StatusOK
}
