package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/service"
)

// ShowAPI is what the show routes need from the service layer.
type ShowAPI interface {
	ListUpcomingShows(ctx context.Context, q model.ShowQuery) ([]model.Show, error)
	GetShow(ctx context.Context, id string) (*model.Show, error)
	OccupiedSeats(ctx context.Context, showID string) ([]string, error)
	CreateShow(ctx context.Context, in service.CreateShowInput) (*model.Show, error)
	ReleaseSeats(ctx context.Context, showID, holderID string, seats []string) ([]string, error)
}

// ShowHandler serves the public catalogue and the admin show routes.
type ShowHandler struct {
	svc ShowAPI
	log *zap.Logger
}

func NewShowHandler(svc ShowAPI, log *zap.Logger) *ShowHandler {
	return &ShowHandler{svc: svc, log: log.Named("show-handler")}
}

// ShowView is the public shape of a show. Seat holders are never exposed.
type ShowView struct {
	ID         string    `json:"id"`
	MovieID    string    `json:"movie_id"`
	Title      string    `json:"title"`
	StartsAt   time.Time `json:"starts_at"`
	PriceCents int64     `json:"price_cents"`
}

func toShowView(s model.Show) ShowView {
	return ShowView{ID: s.ID, MovieID: s.MovieID, Title: s.Title, StartsAt: s.StartsAt, PriceCents: s.PriceCents}
}

// List handles GET /shows?title=&page=&page_size=.
func (h *ShowHandler) List(c echo.Context) error {
	page, err := positiveQuery(c, "page", 1)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid page"})
	}
	size, err := positiveQuery(c, "page_size", 20)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid page_size"})
	}
	shows, err := h.svc.ListUpcomingShows(c.Request().Context(), model.ShowQuery{
		Title:  c.QueryParam("title"),
		Limit:  size,
		Offset: (page - 1) * size,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	out := make([]ShowView, 0, len(shows))
	for _, s := range shows {
		out = append(out, toShowView(s))
	}
	return c.JSON(http.StatusOK, echo.Map{"shows": out, "page": page, "page_size": size})
}

func positiveQuery(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

// Get handles GET /shows/:id.
func (h *ShowHandler) Get(c echo.Context) error {
	s, err := h.svc.GetShow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, toShowView(*s))
}

// OccupiedSeats handles GET /shows/:id/occupied-seats.
func (h *ShowHandler) OccupiedSeats(c echo.Context) error {
	showID := c.Param("id")
	seats, err := h.svc.OccupiedSeats(c.Request().Context(), showID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"show_id": showID, "occupied_seats": seats})
}

type createShowRequest struct {
	MovieID    string    `json:"movie_id"`
	Title      string    `json:"title"`
	StartsAt   time.Time `json:"starts_at"`
	PriceCents int64     `json:"price_cents"`
}

// Create handles POST /admin/shows.
func (h *ShowHandler) Create(c echo.Context) error {
	var body createShowRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	s, err := h.svc.CreateShow(c.Request().Context(), service.CreateShowInput{
		MovieID:    body.MovieID,
		Title:      body.Title,
		StartsAt:   body.StartsAt,
		PriceCents: body.PriceCents,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, toShowView(*s))
}

type releaseRequest struct {
	HolderID string   `json:"holder_id"`
	SeatIDs  []string `json:"seat_ids"`
}

// Release handles POST /admin/shows/:id/release.
func (h *ShowHandler) Release(c echo.Context) error {
	var body releaseRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	released, err := h.svc.ReleaseSeats(c.Request().Context(), c.Param("id"), body.HolderID, body.SeatIDs)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if released == nil {
		released = []string{}
	}
	return c.JSON(http.StatusOK, echo.Map{"released": released})
}
