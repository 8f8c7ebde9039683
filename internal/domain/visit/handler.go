package visit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every clinical role
	readGroup := api.Group("", auth.RequireRole(auth.ClinicalRoles...))
	readGroup.GET("/visits", h.ListVisits)
	readGroup.GET("/visits/number/:number", h.GetVisitByNumber)
	readGroup.GET("/visits/:id", h.GetVisit)
	readGroup.GET("/visits/:id/timeline", h.GetTimeline)
	readGroup.GET("/visits/:id/audit", h.GetAudit)

	// Stage work – every clinical role
	stageGroup := api.Group("", auth.RequireRole(auth.ClinicalRoles...))
	stageGroup.POST("/visits/:id/stages/:stage/clock-in", h.ClockIn)
	stageGroup.POST("/visits/:id/stages/:stage/clock-out", h.ClockOut)

	// Desk endpoints – front desk, physician, nurse
	deskGroup := api.Group("", auth.RequireRole(auth.RoleFrontDesk, auth.RolePhysician, auth.RoleNurse))
	deskGroup.POST("/visits", h.CreateVisit)
	deskGroup.PUT("/visits/:id/assignments/:stage", h.AssignStaff)
	deskGroup.POST("/visits/:id/cancel", h.CancelVisit)

	// Sign-off – front desk, billing
	signOff := api.Group("", auth.RequireRole(auth.RoleFrontDesk, auth.RoleBilling))
	signOff.POST("/visits/:id/finalize", h.Finalize)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/visits/:id/archive", h.ArchiveVisit)
}

// errorStatus maps a workflow error kind to the HTTP status returned for it.
func errorStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindWrongStage, KindStageMismatch, KindAlreadyOpen, KindNotOpen, KindTerminalState,
		KindAlreadyFinalized, KindConcurrentModification, KindDuplicateVisitNumber, KindVersionConflict:
		return http.StatusConflict
	case KindIllegalTransition, KindInvalidPayload:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func httpError(err error) *echo.HTTPError {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		return echo.NewHTTPError(code, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(code, map[string]string{
		"code":    string(KindOf(err)),
		"message": err.Error(),
	}).SetInternal(err)
}

func staffID(c echo.Context) (string, error) {
	id := auth.UserIDFromContext(c.Request().Context())
	if id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing staff identity")
	}
	return id, nil
}

func visitID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func stageParam(c echo.Context) (Stage, error) {
	st, err := ParseStage(c.Param("stage"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return st, nil
}

// writeVisit sends v with its version as the ETag, which clients echo back
// in If-Match on clock-out.
func writeVisit(c echo.Context, code int, v *Visit) error {
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, v.Version))
	return c.JSON(code, v)
}

// parseIfMatch reads a version from If-Match. It accepts 3, "3" and W/"3".
func parseIfMatch(h string) (int, error) {
	h = strings.TrimSpace(h)
	if h == "" || h == "*" {
		return 0, nil
	}
	h = strings.TrimPrefix(h, "W/")
	h = strings.Trim(h, `"`)
	v, err := strconv.Atoi(h)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid If-Match version %q", h)
	}
	return v, nil
}

type createVisitRequest struct {
	PatientID   string            `json:"patient_id"`
	BranchID    string            `json:"branch_id"`
	VisitType   string            `json:"visit_type"`
	Assignments map[string]string `json:"assignments"`
}

func (h *Handler) CreateVisit(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	var req createVisitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pid, err := uuid.Parse(req.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	assignments := make(map[Stage]string, len(req.Assignments))
	for stage, id := range req.Assignments {
		assignments[Stage(stage)] = id
	}

	v, err := h.svc.CreateVisit(c.Request().Context(), CreateVisitInput{
		PatientID:   pid,
		BranchID:    req.BranchID,
		VisitType:   VisitType(req.VisitType),
		CreatedBy:   actor,
		Assignments: assignments,
	})
	if err != nil {
		return httpError(err)
	}
	return writeVisit(c, http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	id, err := visitID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisit(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return writeVisit(c, http.StatusOK, v)
}

func (h *Handler) GetVisitByNumber(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisitByNumber(c.Request().Context(), actor, c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return writeVisit(c, http.StatusOK, v)
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", s)
}

func (h *Handler) ListVisits(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	pg, err := pagination.QueueBoard.Parse(c)
	if err != nil {
		return err
	}

	f := ListFilter{
		Stage:           Stage(c.QueryParam("stage")),
		Status:          Status(c.QueryParam("status")),
		IncludeArchived: c.QueryParam("include_archived") == "true",
	}
	if pid := c.QueryParam("patient_id"); pid != "" {
		f.PatientID, err = uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
	}
	if f.CreatedFrom, err = parseDate(c.QueryParam("from")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if f.CreatedTo, err = parseDate(c.QueryParam("to")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	visits, total, err := h.svc.ListVisits(c.Request().Context(), actor, f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(visits, total, pg))
}

type timelineResponse struct {
	VisitID      uuid.UUID     `json:"visit_id"`
	VisitNumber  string        `json:"visit_number"`
	CurrentStage Stage         `json:"current_stage"`
	Status       Status        `json:"status"`
	Timeline     []StageRecord `json:"timeline"`
}

func (h *Handler) GetTimeline(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	id, err := visitID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisit(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, timelineResponse{
		VisitID:      v.ID,
		VisitNumber:  v.VisitNumber,
		CurrentStage: v.CurrentStage,
		Status:       v.Status,
		Timeline:     v.Timeline(),
	})
}

func (h *Handler) GetAudit(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	id, err := visitID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.VisitAudit(c.Request().Context(), actor, id)
	if err != nil {
		return httpError(err)
	}
	if entries == nil {
		entries = []*AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) ClockIn(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	id, err := visitID(c)
	if err != nil {
		return err
	}
	stage, err := stageParam(c)
	if err != nil {
		return err
	}
	v, err := h.svc.ClockIn(c.Request().Context(), ClockInInput{VisitID: id, Stage: stage, StaffID: actor})
	if err != nil {
		return httpError(err)
	}
	return writeVisit(c, http.StatusOK, v)
}

type clockOutRequest struct {
	Payload
	NextAction      string `json:"next_action"`
	ExpectedVersion int    `json:"expected_version,omitempty"`
}

func (h *Handler) ClockOut(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	id, err := visitID(c)
	if err != nil {
		return err
	}
	stage, err := stageParam(c)
	if err != nil {
		return err
	}
	var req clockOutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.NextAction == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "next_action is required")
	}
	expected := req.ExpectedVersion
	if ifMatch := c.Request().Header.Get("If-Match"); ifMatch != "" {
		if expected, err = parseIfMatch(ifMatch); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	v, err := h.svc.ClockOut(c.Request().Context(), ClockOutInput{
		VisitID:         id,
		Stage:           stage,
		StaffID:         actor,
		Payload:         req.Payload,
		NextAction:      Stage(req.NextAction),
		ExpectedVersion: expected,
	})
	if err != nil {
		return httpError(err)
	}
	return writeVisit(c, http.StatusOK, v)
}

type assignRequest struct {
	StaffID string `json:"staff_id"`
}

func (h *Handler) AssignStaff(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	id, err := visitID(c)
	if err != nil {
		return err
	}
	stage, err := stageParam(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.StaffID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "staff_id is required")
	}
	v, err := h.svc.AssignStaff(c.Request().Context(), AssignInput{
		VisitID: id, Stage: stage, AssigneeID: req.StaffID, StaffID: actor,
	})
	if err != nil {
		return httpError(err)
	}
	return writeVisit(c, http.StatusOK, v)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelVisit(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	id, err := visitID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.CancelVisit(c.Request().Context(), CancelInput{VisitID: id, StaffID: actor, Reason: req.Reason})
	if err != nil {
		return httpError(err)
	}
	return writeVisit(c, http.StatusOK, v)
}

type finalizeRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) Finalize(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	id, err := visitID(c)
	if err != nil {
		return err
	}
	var req finalizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	v, err := h.svc.Finalize(c.Request().Context(), FinalizeInput{VisitID: id, StaffID: actor, Notes: req.Notes})
	if err != nil {
		return httpError(err)
	}
	return writeVisit(c, http.StatusOK, v)
}

func (h *Handler) ArchiveVisit(c echo.Context) error {
	actor, err := staffID(c)
	if err != nil {
		return err
	}
	id, err := visitID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.ArchiveVisit(c.Request().Context(), id, actor)
	if err != nil {
		return httpError(err)
	}
	return writeVisit(c, http.StatusOK, v)
}
