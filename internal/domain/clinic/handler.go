package clinic

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicnet/referrals/internal/platform/auth"
	"github.com/clinicnet/referrals/pkg/domainerrors"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the clinic directory under the referrals group.
func (h *Handler) RegisterRoutes(referrals *echo.Group) {
	referrals.GET("/clinics", h.ListActive)
	referrals.POST("/clinics/:id/refresh", h.Refresh, auth.RequireCapability(auth.CapManageAnyReferral))
}

func (h *Handler) ListActive(c echo.Context) error {
	clinics, err := h.svc.ListActive(c.Request().Context())
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to list clinics")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": clinics})
}

func (h *Handler) Refresh(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return domainerrors.New(domainerrors.CodeInvalid, "invalid clinic id")
	}
	if err := h.svc.Refresh(c.Request().Context(), id); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInternal, "failed to refresh clinic cache")
	}
	return c.NoContent(http.StatusNoContent)
}
