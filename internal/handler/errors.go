package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/service"
)

// writeError maps service errors to status codes. Anything unknown is
// logged and reported as a 500 without detail.
func writeError(c echo.Context, log *zap.Logger, err error) error {
	var (
		conflict *service.SeatConflictError
		active   *service.PaymentLinkActiveError
	)
	switch {
	case errors.As(err, &conflict):
		if conflict.Contended {
			return c.JSON(http.StatusConflict, echo.Map{"error": "show is busy, please retry", "unavailable": conflict.Seats, "retry": true})
		}
		return c.JSON(http.StatusConflict, echo.Map{"error": "some seats are no longer available", "unavailable": conflict.Seats})
	case errors.As(err, &active):
		return c.JSON(http.StatusConflict, echo.Map{"error": "payment link is still valid", "expires_at": active.ExpiresAt})
	case errors.Is(err, service.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrShowNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "show not found"})
	case errors.Is(err, service.ErrBookingNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking not found"})
	case errors.Is(err, service.ErrShowStarted):
		return c.JSON(http.StatusConflict, echo.Map{"error": "show already started"})
	case errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, service.ErrAlreadyPaid):
		return c.JSON(http.StatusConflict, echo.Map{"error": "booking already paid"})
	case errors.Is(err, service.ErrPaymentSession):
		log.Error("payment gateway failure", zap.Error(err))
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment provider unavailable"})
	}
	log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
