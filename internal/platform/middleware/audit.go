package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicnet/referrals/internal/platform/auth"
	"github.com/clinicnet/referrals/pkg/domainerrors"
)

// AuditEntry records who touched which referral or patient history, and how.
type AuditEntry struct {
	UserID     string
	Role       string
	ClinicID   string
	Resource   string
	ResourceID string
	PatientID  string
	Action     string // read, create, update, confirm
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log stream.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

const auditPrefix = "/api/v1/"

// Audit logs every access under /api/v1/ after the handler runs, and hands
// the entry to the optional recorder.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, auditPrefix) {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c)
			if err != nil {
				entry.StatusCode = statusOf(err)
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("clinic_id", entry.ClinicID).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.StatusCode).
				Msg("referral_access")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context) AuditEntry {
	req := c.Request()
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		Path:       req.URL.Path,
		Method:     req.Method,
		IPAddress:  c.RealIP(),
		StatusCode: c.Response().Status,
		Action:     actionFor(req.Method, req.URL.Path),
	}
	if rid, ok := c.Get("request_id").(string); ok {
		entry.RequestID = rid
	}
	if id, ok := auth.IdentityFromContext(req.Context()); ok {
		entry.UserID = id.UserID.String()
		entry.Role = id.Role.String()
		entry.ClinicID = id.ClinicID.String()
	}
	entry.Resource, entry.ResourceID, entry.PatientID = resourceOf(req.URL.Path)
	return entry
}

// statusOf predicts the status the error handler will render for err.
func statusOf(err error) int {
	var de *domainerrors.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &de):
		return domainerrors.ToHTTPStatus(de.Code)
	case errors.As(err, &he):
		return he.Code
	}
	return http.StatusInternalServerError
}

func actionFor(method, path string) string {
	if strings.HasSuffix(path, "/confirm") {
		return "confirm"
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch, http.MethodDelete:
		return "update"
	default:
		return "read"
	}
}

// resourceOf splits /api/v1/<resource>[/<id>|/patient/<patientId>][/...].
func resourceOf(path string) (resource, id, patientID string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, auditPrefix), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", "", ""
	}
	resource = segments[0]
	if len(segments) >= 3 && segments[1] == "patient" && isUUID(segments[2]) {
		return resource, "", segments[2]
	}
	if len(segments) >= 2 && isUUID(segments[1]) {
		id = segments[1]
	}
	return resource, id, ""
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
