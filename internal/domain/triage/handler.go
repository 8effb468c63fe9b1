package triage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careline/intake/internal/platform/auth"
	"github.com/careline/intake/internal/platform/blobstore"
	"github.com/careline/intake/internal/platform/db"
	"github.com/careline/intake/pkg/pagination"
)

// storageRetryAfter is the Retry-After hint, in seconds, sent with 503s.
const storageRetryAfter = 2

type Handler struct {
	intake      *Orchestrator
	queue       *QueueManager
	blobs       blobstore.BlobStore
	maxDocBytes int64
}

func NewHandler(intake *Orchestrator, queue *QueueManager, blobs blobstore.BlobStore) *Handler {
	return &Handler{intake: intake, queue: queue, blobs: blobs, maxDocBytes: intake.maxDocBytes}
}

// RegisterRoutes mounts the intake and queue endpoints. submitMW wraps only
// the submission route.
func (h *Handler) RegisterRoutes(api *echo.Group, submitMW ...echo.MiddlewareFunc) {
	anyRole := auth.RequireRole(auth.RolePatient, auth.RoleNurse, auth.RolePhysician, auth.RoleAdmin)
	staff := auth.RequireRole(auth.StaffRoles...)
	admin := auth.RequireRole(auth.RoleAdmin)

	api.POST("/intakes", h.SubmitIntake, append([]echo.MiddlewareFunc{anyRole}, submitMW...)...)
	api.GET("/intakes/:id", h.GetIntake, anyRole)
	api.GET("/intakes/:id/document", h.GetIntakeDocument, anyRole)
	api.POST("/intakes/:id/complete", h.CompleteIntake, staff)
	api.GET("/patients/:patient_id/intakes", h.ListPatientIntakes, anyRole)

	api.GET("/hospitals/:hospital_id/queue", h.GetQueue, staff)
	api.DELETE("/hospitals/:hospital_id/queue", h.ClearQueue, admin)
	api.POST("/hospitals/:hospital_id/queue/repair", h.RepairQueue, admin)
}

func (h *Handler) SubmitIntake(c echo.Context) error {
	ctx := c.Request().Context()

	patientID, err := formUUID(c, "patient_id")
	if err != nil {
		return err
	}
	if patientID == uuid.Nil {
		// A patient token may omit its own id.
		if own, perr := uuid.Parse(auth.PatientIDFromContext(ctx)); perr == nil {
			patientID = own
		} else {
			return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
		}
	}
	if !auth.CanActForPatient(ctx, patientID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot submit for another patient")
	}
	hospitalID, err := formUUID(c, "hospital_id")
	if err != nil {
		return err
	}
	if hospitalID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "hospital_id is required")
	}

	fh, err := c.FormFile("document")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "document file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read document")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxDocBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read document")
	}

	result, err := h.intake.Submit(ctx, SubmitRequest{
		PatientID:  patientID,
		HospitalID: hospitalID,
		Document:   data,
		FileName:   fh.Filename,
	})
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

func (h *Handler) GetIntake(c echo.Context) error {
	e, err := h.loadOwnEntry(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, QueueItem{IntakeEntry: *e, Urgent: e.Urgent()})
}

func (h *Handler) GetIntakeDocument(c echo.Context) error {
	e, err := h.loadOwnEntry(c)
	if err != nil {
		return err
	}
	if e.DocumentRef == nil || h.blobs == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no document stored for this intake")
	}
	rc, meta, err := h.blobs.Download(c.Request().Context(), *e.DocumentRef)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "document store unavailable")
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(meta.Size, 10))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *Handler) CompleteIntake(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.queue.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListPatientIntakes(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	if !auth.CanActForPatient(c.Request().Context(), patientID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot read another patient's intakes")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.queue.History(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(c, err)
	}
	if items == nil {
		items = []*IntakeEntry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetQueue(c echo.Context) error {
	hospitalID, err := uuid.Parse(c.Param("hospital_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
	}
	entries, err := h.queue.CurrentQueue(c.Request().Context(), hospitalID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, NewQueueView(hospitalID, entries))
}

func (h *Handler) ClearQueue(c echo.Context) error {
	hospitalID, err := uuid.Parse(c.Param("hospital_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
	}
	scope, err := ParseClearScope(c.QueryParam("scope"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	deleted, err := h.queue.ClearQueue(c.Request().Context(), hospitalID, scope)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"scope": scope, "deleted": deleted})
}

func (h *Handler) RepairQueue(c echo.Context) error {
	hospitalID, err := uuid.Parse(c.Param("hospital_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
	}
	moved, err := h.queue.Repair(c.Request().Context(), hospitalID)
	if err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"moved": moved})
}

func (h *Handler) loadOwnEntry(c echo.Context) (*IntakeEntry, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	e, err := h.queue.Get(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(c, err)
	}
	if !auth.CanActForPatient(c.Request().Context(), e.PatientID.String()) {
		// Same answer as a missing entry so ids cannot be probed.
		return nil, echo.NewHTTPError(http.StatusNotFound, "intake entry not found")
	}
	return e, nil
}

func formUUID(c echo.Context, field string) (uuid.UUID, error) {
	raw := c.FormValue(field)
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+field)
	}
	return id, nil
}

// httpError maps domain errors to HTTP errors.
func httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrHospitalNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "hospital not found")
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrEntryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "intake entry not found")
	case errors.Is(err, ErrNotInQueueState):
		return echo.NewHTTPError(http.StatusConflict, "intake entry is not queued")
	case errors.Is(err, db.ErrStorageUnavailable):
		c.Response().Header().Set("Retry-After", strconv.Itoa(storageRetryAfter))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable, please retry")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
