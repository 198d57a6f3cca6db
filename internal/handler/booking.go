package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/service"
)

// BookingAPI is what the booking routes need from the service layer.
type BookingAPI interface {
	Create(ctx context.Context, in service.CreateBookingInput) (*model.Booking, error)
	RegeneratePayment(ctx context.Context, in service.RegenerateInput) (*model.Booking, error)
	ListForHolder(ctx context.Context, holderID string) ([]model.Booking, error)
}

// BookingHandler serves the authenticated booking routes.
type BookingHandler struct {
	svc    BookingAPI
	appURL string
	log    *zap.Logger
}

// NewBookingHandler builds the handler. appURL is the frontend base for
// checkout redirects; when empty the request's Origin header is used.
func NewBookingHandler(svc BookingAPI, appURL string, log *zap.Logger) *BookingHandler {
	return &BookingHandler{svc: svc, appURL: strings.TrimRight(appURL, "/"), log: log.Named("booking-handler")}
}

type createBookingRequest struct {
	ShowID  string   `json:"show_id"`
	SeatIDs []string `json:"seat_ids"`
}

// BookingView is the JSON shape of a booking.
type BookingView struct {
	ID          string     `json:"id"`
	ShowID      string     `json:"show_id"`
	Seats       []string   `json:"seat_ids"`
	AmountCents int64      `json:"amount_cents"`
	State       string     `json:"state"`
	PaymentURL  string     `json:"payment_url,omitempty"`
	ExpiresAt   *time.Time `json:"payment_expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toBookingView(b model.Booking) BookingView {
	v := BookingView{
		ID:          b.ID,
		ShowID:      b.ShowID,
		Seats:       b.Seats,
		AmountCents: b.AmountCents,
		State:       string(b.State),
		CreatedAt:   b.CreatedAt,
	}
	if b.Unpaid() && !b.SessionExpiresAt.IsZero() {
		v.PaymentURL = b.SessionURL
		exp := b.SessionExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

// Create handles POST /bookings.
func (h *BookingHandler) Create(c echo.Context) error {
	holder := middleware.HolderID(c)
	if holder == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body createBookingRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.ShowID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "show_id is required"})
	}

	success, cancel := h.redirects(c)
	b, err := h.svc.Create(c.Request().Context(), service.CreateBookingInput{
		HolderID:   holder,
		ShowID:     body.ShowID,
		Seats:      body.SeatIDs,
		SuccessURL: success,
		CancelURL:  cancel,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"booking_id": b.ID,
		"url":        b.SessionURL,
		"expires_at": b.SessionExpiresAt,
	})
}

// Regenerate handles POST /bookings/:id/regenerate-payment.
func (h *BookingHandler) Regenerate(c echo.Context) error {
	holder := middleware.HolderID(c)
	if holder == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	success, cancel := h.redirects(c)
	b, err := h.svc.RegeneratePayment(c.Request().Context(), service.RegenerateInput{
		BookingID:  c.Param("id"),
		HolderID:   holder,
		SuccessURL: success,
		CancelURL:  cancel,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"url": b.SessionURL, "expires_at": b.SessionExpiresAt})
}

// Mine handles GET /bookings/mine.
func (h *BookingHandler) Mine(c echo.Context) error {
	holder := middleware.HolderID(c)
	if holder == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	list, err := h.svc.ListForHolder(c.Request().Context(), holder)
	if err != nil {
		return writeError(c, h.log, err)
	}
	out := make([]BookingView, 0, len(list))
	for _, b := range list {
		out = append(out, toBookingView(b))
	}
	return c.JSON(http.StatusOK, echo.Map{"bookings": out})
}

func (h *BookingHandler) redirects(c echo.Context) (success, cancel string) {
	base := h.appURL
	if base == "" {
		base = strings.TrimRight(c.Request().Header.Get("Origin"), "/")
	}
	return base + "/loading/my-bookings?payment_completed=true", base + "/my-bookings"
}
