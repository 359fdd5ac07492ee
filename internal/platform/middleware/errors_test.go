package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicnet/referrals/pkg/domainerrors"
)

func renderError(t *testing.T, err error) (int, ErrorBody) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/referrals", nil), rec)
	c.Set("request_id", "rid-1")

	ErrorHandler(zerolog.Nop())(err, c)

	var out struct {
		Error ErrorBody `json:"error"`
	}
	if decErr := json.Unmarshal(rec.Body.Bytes(), &out); decErr != nil {
		t.Fatalf("decode: %v (%s)", decErr, rec.Body.String())
	}
	return rec.Code, out.Error
}

func TestErrorHandler_DomainError(t *testing.T) {
	err := domainerrors.New(domainerrors.CodeForbidden, "not allowed").WithRule("distinct_approver").WithStage(3)
	status, body := renderError(t, err)
	if status != http.StatusForbidden {
		t.Errorf("expected 403, got %d", status)
	}
	if body.Rule != "distinct_approver" || body.Stage != 3 || body.RequestID != "rid-1" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestErrorHandler_InternalHidesCause(t *testing.T) {
	err := domainerrors.Wrap(errors.New("pq: password authentication failed"), domainerrors.CodeInternal, "internal error")
	status, body := renderError(t, err)
	if status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", status)
	}
	if body.Message != "internal server error" {
		t.Errorf("expected generic message, got %q", body.Message)
	}
}

func TestErrorHandler_EchoHTTPError(t *testing.T) {
	status, body := renderError(t, echo.NewHTTPError(http.StatusUnauthorized, "invalid token"))
	if status != http.StatusUnauthorized || body.Code != domainerrors.CodeUnauthorized {
		t.Errorf("unexpected %d %+v", status, body)
	}
	if body.Message != "invalid token" {
		t.Errorf("unexpected message %q", body.Message)
	}
}

func TestErrorHandler_PlainError(t *testing.T) {
	status, body := renderError(t, errors.New("boom"))
	if status != http.StatusInternalServerError || body.Code != domainerrors.CodeInternal {
		t.Errorf("unexpected %d %+v", status, body)
	}
}
