package emergency

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careline/intake/internal/platform/auth"
	"github.com/careline/intake/internal/platform/db"
	"github.com/careline/intake/pkg/pagination"
)

type Handler struct {
	router *Router
}

func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

func (h *Handler) RegisterRoutes(api *echo.Group, sendMW ...echo.MiddlewareFunc) {
	anyRole := auth.RequireRole(auth.RolePatient, auth.RoleNurse, auth.RolePhysician, auth.RoleAdmin)
	staff := auth.RequireRole(auth.StaffRoles...)

	api.POST("/emergency-alerts", h.SendAlert, append([]echo.MiddlewareFunc{anyRole}, sendMW...)...)
	api.GET("/emergency-alerts/:id", h.GetAlert, anyRole)
	api.PATCH("/emergency-alerts/:id/status", h.UpdateStatus, staff)
	api.GET("/hospitals/:hospital_id/emergency-alerts", h.ListHospitalAlerts, staff)
	api.GET("/patients/:patient_id/emergency-alerts", h.ListPatientAlerts, anyRole)
}

type sendAlertRequest struct {
	PatientID  string `json:"patient_id"`
	HospitalID string `json:"hospital_id"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) SendAlert(c echo.Context) error {
	ctx := c.Request().Context()
	var body sendAlertRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	raw := body.PatientID
	if raw == "" {
		raw = auth.PatientIDFromContext(ctx)
	}
	patientID, err := uuid.Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	if !auth.CanActForPatient(ctx, patientID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot raise an alert for another patient")
	}

	var hospitalID *uuid.UUID
	if body.HospitalID != "" {
		id, err := uuid.Parse(body.HospitalID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
		}
		hospitalID = &id
	}

	alert, err := h.router.SendAlert(ctx, patientID, hospitalID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, alert)
}

func (h *Handler) GetAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	alert, err := h.router.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	if !auth.CanActForPatient(c.Request().Context(), alert.PatientID.String()) {
		return echo.NewHTTPError(http.StatusNotFound, "emergency alert not found")
	}
	return c.JSON(http.StatusOK, alert)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body updateStatusRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status := Status(strings.ToUpper(strings.TrimSpace(body.Status)))
	staffID := auth.UserIDFromContext(c.Request().Context())

	alert, err := h.router.UpdateStatus(c.Request().Context(), id, status, staffID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, alert)
}

func (h *Handler) ListHospitalAlerts(c echo.Context) error {
	hospitalID, err := uuid.Parse(c.Param("hospital_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
	}
	status := Status(strings.ToUpper(c.QueryParam("status")))
	pg := pagination.FromContext(c)
	items, total, err := h.router.ListByHospital(c.Request().Context(), hospitalID, status, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	if items == nil {
		items = []*Alert{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListPatientAlerts(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	if !auth.CanActForPatient(c.Request().Context(), patientID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot read another patient's alerts")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.router.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	if items == nil {
		items = []*Alert{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrMissingLocation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "add your region to your profile before sending an emergency alert")
	case errors.Is(err, ErrRegionMismatch):
		return echo.NewHTTPError(http.StatusForbidden, "the selected hospital is not in your region")
	case errors.Is(err, ErrNoHospitalInRegion):
		return echo.NewHTTPError(http.StatusNotFound, "no hospital is registered in your region")
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrHospitalNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "hospital not found")
	case errors.Is(err, ErrAlertNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "emergency alert not found")
	case errors.Is(err, ErrInvalidStatus):
		return echo.NewHTTPError(http.StatusBadRequest, "status must be one of PENDING, ACKNOWLEDGED, RESPONDED, CLOSED")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrStorageUnavailable):
		c.Response().Header().Set("Retry-After", strconv.Itoa(2))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable, please retry")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
