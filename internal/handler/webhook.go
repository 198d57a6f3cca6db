package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/service"
)

// MaxWebhookBytes caps a webhook body. Stripe events are far smaller.
const MaxWebhookBytes = 64 << 10

// WebhookAPI verifies and applies a raw webhook delivery.
type WebhookAPI interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// WebhookHandler receives payment provider callbacks. It must see the body
// exactly as sent, so it reads it itself instead of binding.
type WebhookHandler struct {
	svc WebhookAPI
	log *zap.Logger
}

func NewWebhookHandler(svc WebhookAPI, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{svc: svc, log: log.Named("webhook-handler")}
}

// Stripe handles POST /payments/webhook.
func (h *WebhookHandler) Stripe(c echo.Context) error {
	body := http.MaxBytesReader(c.Response(), c.Request().Body, MaxWebhookBytes)
	payload, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "payload too large"})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}

	if err := h.svc.HandleWebhook(c.Request().Context(), payload, c.Request().Header.Get("Stripe-Signature")); err != nil {
		h.log.Warn("webhook rejected", zap.Error(err))
		if errors.Is(err, service.ErrWebhookSignatureInvalid) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid signature"})
		}
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed payload"})
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true})
}
