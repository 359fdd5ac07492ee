package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicnet/referrals/pkg/domainerrors"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code      domainerrors.Code `json:"code"`
	Message   string            `json:"message"`
	Rule      string            `json:"rule,omitempty"`
	Stage     int               `json:"stage,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func codeForStatus(status int) domainerrors.Code {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return domainerrors.CodeNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return domainerrors.CodeInvalid
	case http.StatusForbidden:
		return domainerrors.CodeForbidden
	case http.StatusConflict:
		return domainerrors.CodeConflict
	case http.StatusUnauthorized:
		return domainerrors.CodeUnauthorized
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return domainerrors.CodeInternal
	}
}

// ErrorHandler renders domain errors and echo HTTP errors as
// {"error": {...}}. Internal causes are never exposed to the client.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := ErrorBody{Code: domainerrors.CodeInternal, Message: "internal server error"}

		var de *domainerrors.Error
		var he *echo.HTTPError
		switch {
		case errors.As(err, &de):
			status = domainerrors.ToHTTPStatus(de.Code)
			body = ErrorBody{Code: de.Code, Message: de.Message, Rule: de.Rule, Stage: de.Stage}
			if de.Code == domainerrors.CodeInternal {
				body.Message = "internal server error"
			}
		case errors.As(err, &he):
			status = he.Code
			body = ErrorBody{Code: codeForStatus(he.Code), Message: fmt.Sprint(he.Message)}
		default:
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}
		body.RequestID, _ = c.Get("request_id").(string)

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, map[string]ErrorBody{"error": body})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}
