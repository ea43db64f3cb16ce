package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/EPFLSWENT2024G1/partageix/internal/errs"
	"github.com/EPFLSWENT2024G1/partageix/internal/filter"
	"github.com/EPFLSWENT2024G1/partageix/internal/model"
	md "github.com/EPFLSWENT2024G1/partageix/pkg/middleware"
	"github.com/EPFLSWENT2024G1/partageix/pkg/validate"
)

type Handler struct {
	loanSvc LoanService
	log     *zap.Logger
}

func New(loanSvc LoanService, log *zap.Logger) *Handler {
	return &Handler{
		loanSvc: loanSvc,
		log:     log,
	}
}

func (h *Handler) NewRouter() *echo.Echo {
	e := echo.New()
	const (
		baseRPS = 10
		apiRPS  = 100
	)
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10, // 4 KB
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodOptions, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
		AllowCredentials: true,
	}))

	base := e.Group("", md.NewRateLimiter(baseRPS))
	base.GET("/manage/health", h.Health)

	e.Validator = validate.NewCustomValidator()
	api := e.Group("/api/v1",
		middleware.RequestLoggerWithConfig(md.RequestLoggerConfig(h.log)),
		middleware.RequestID(),
		md.NewRateLimiter(apiRPS),
		md.UserContext,
	)

	api.GET("/items/available", h.ListAvailable)
	api.POST("/items", h.CreateItem)
	api.GET("/items/:itemId", h.GetItem)
	api.PUT("/items/:itemId", h.UpdateItem)

	api.POST("/loans", h.CreateLoan)
	api.GET("/loans/incoming", h.IncomingRequests)
	api.GET("/loans/outgoing", h.OutgoingRequests)
	api.GET("/loans/finished", h.FinishedLoans)
	api.POST("/loans/:loanId/accept", h.Accept)
	api.POST("/loans/:loanId/decline", h.Decline)
	api.POST("/loans/:loanId/withdraw", h.Withdraw)
	api.POST("/loans/:loanId/finish", h.Finish)
	api.POST("/loans/:loanId/review", h.Review)

	return e
}

func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (h *Handler) ListAvailable(c echo.Context) error {
	criteria := filter.Criteria{
		Query: c.QueryParam("query"),
	}
	if q := c.QueryParam("minQuantity"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "minQuantity must be an integer")
		}
		criteria.MinQuantity = n
	}
	lat, lon, radius := c.QueryParam("lat"), c.QueryParam("lon"), c.QueryParam("radiusKm")
	if lat != "" && lon != "" && radius != "" {
		latF, err1 := strconv.ParseFloat(lat, 64)
		lonF, err2 := strconv.ParseFloat(lon, 64)
		radiusF, err3 := strconv.ParseFloat(radius, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "lat, lon and radiusKm must be numbers")
		}
		criteria.Near = &filter.Point{Latitude: latF, Longitude: lonF}
		criteria.RadiusKm = radiusF
	}

	items, err := h.loanSvc.ListAvailable(c.Request().Context(), md.UserID(c), criteria)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreateLoan(c echo.Context) error {
	var req model.CreateLoanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.BorrowerID = md.UserID(c)
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	loan, err := h.loanSvc.CreateLoan(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, loan)
}

func (h *Handler) Accept(c echo.Context) error {
	return h.transition(c, h.loanSvc.Accept)
}

func (h *Handler) Decline(c echo.Context) error {
	return h.transition(c, h.loanSvc.Decline)
}

func (h *Handler) Withdraw(c echo.Context) error {
	return h.transition(c, h.loanSvc.Withdraw)
}

func (h *Handler) transition(c echo.Context, op func(ctx context.Context, loanID, actorID string) (model.Loan, error)) error {
	loanID := c.Param("loanId")
	if loanID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "loanId is empty")
	}
	loan, err := op(c.Request().Context(), loanID, md.UserID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loan)
}

func (h *Handler) Finish(c echo.Context) error {
	loanID := c.Param("loanId")
	if loanID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "loanId is empty")
	}
	loan, err := h.loanSvc.Finish(c.Request().Context(), loanID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loan)
}

func (h *Handler) Review(c echo.Context) error {
	loanID := c.Param("loanId")
	if loanID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "loanId is empty")
	}
	var req model.ReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	loan, err := h.loanSvc.Review(c.Request().Context(), loanID, md.UserID(c), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, loan)
}

func (h *Handler) IncomingRequests(c echo.Context) error {
	details, err := h.loanSvc.IncomingRequests(c.Request().Context(), md.UserID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, details)
}

func (h *Handler) OutgoingRequests(c echo.Context) error {
	details, err := h.loanSvc.OutgoingRequests(c.Request().Context(), md.UserID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, details)
}

func (h *Handler) FinishedLoans(c echo.Context) error {
	details, err := h.loanSvc.FinishedLoans(c.Request().Context(), md.UserID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, details)
}

func (h *Handler) CreateItem(c echo.Context) error {
	var req model.CreateItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.OwnerID = md.UserID(c)
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	item, err := h.loanSvc.CreateItem(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *Handler) GetItem(c echo.Context) error {
	item, err := h.loanSvc.GetItem(c.Request().Context(), c.Param("itemId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) UpdateItem(c echo.Context) error {
	var req model.UpdateItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	item := model.Item{
		ID:          c.Param("itemId"),
		CategoryID:  req.CategoryID,
		Name:        req.Name,
		Description: req.Description,
		Visibility:  req.Visibility,
		Quantity:    req.Quantity,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		OwnerID:     md.UserID(c),
	}
	if err := h.loanSvc.UpdateItem(c.Request().Context(), item); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrInvalidRange):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrIllegalTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, errs.ErrConflictResolve):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
