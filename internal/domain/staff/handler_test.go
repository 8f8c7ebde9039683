package staff

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

func TestHandler_CreateStaff(t *testing.T) {
	h, e := newTestHandler()

	body := `{"id":"nurse-1","name":"Kofi Boateng","role":"nurse","branch_id":"branch-1"}`
	req := httptest.NewRequest(http.MethodPost, "/staff", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateStaff(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var st Staff
	json.Unmarshal(rec.Body.Bytes(), &st)
	if !st.Active || st.BranchID != "branch-1" {
		t.Errorf("unexpected staff %+v", st)
	}

	req = httptest.NewRequest(http.MethodPost, "/staff", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.CreateStaff(e.NewContext(req, httptest.NewRecorder()))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Errorf("expected 409 for a duplicate, got %v", err)
	}
}

func TestHandler_CreateStaff_BadRole(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/staff", strings.NewReader(`{"name":"A","role":"janitor","branch_id":"b"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.CreateStaff(e.NewContext(req, httptest.NewRecorder()))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_GetStaff(t *testing.T) {
	h, e := newTestHandler()
	h.svc.CreateStaff(context.Background(), &Staff{ID: "doc-1", Name: "Dr. Yaw Asante", Role: "physician", BranchID: "branch-1"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("doc-1")
	if err := h.GetStaff(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "Dr. Yaw Asante") {
		t.Error("expected staff name in response")
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("ghost")
	err := h.GetStaff(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListStaff(t *testing.T) {
	h, e := newTestHandler()
	ctx := context.Background()
	h.svc.CreateStaff(ctx, &Staff{ID: "n1", Name: "Abena", Role: "nurse", BranchID: "branch-1"})
	h.svc.CreateStaff(ctx, &Staff{ID: "n2", Name: "Efua", Role: "nurse", BranchID: "branch-2"})

	req := httptest.NewRequest(http.MethodGet, "/staff?branch_id=branch-2", nil)
	rec := httptest.NewRecorder()
	if err := h.ListStaff(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Staff `json:"data"`
		Total int     `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Data[0].ID != "n2" {
		t.Errorf("expected only n2, got %+v", resp)
	}
}

func TestHandler_DeactivateStaff(t *testing.T) {
	h, e := newTestHandler()
	h.svc.CreateStaff(context.Background(), &Staff{ID: "n1", Name: "Abena", Role: "nurse", BranchID: "branch-1"})

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("n1")
	if err := h.DeactivateStaff(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	st, _ := h.svc.GetStaff(context.Background(), "n1")
	if st.Active {
		t.Error("expected staff to be inactive")
	}
}
