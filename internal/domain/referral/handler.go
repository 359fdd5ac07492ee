package referral

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinicnet/referrals/internal/platform/auth"
	"github.com/clinicnet/referrals/pkg/domainerrors"
	"github.com/clinicnet/referrals/pkg/pagination"
)

type Handler struct {
	svc      *Service
	query    *QueryService
	maxLimit int
}

func NewHandler(svc *Service, query *QueryService, maxLimit int) *Handler {
	return &Handler{svc: svc, query: query, maxLimit: maxLimit}
}

// RegisterRoutes mounts the referral endpoints on the /referrals group.
// Permission checks beyond authentication live in the guard.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.Create, auth.RequireCapability(auth.CapCreateReferral))
	g.GET("", h.List)
	g.GET("/patient/:patientId", h.PatientHistory)
	g.GET("/:id", h.Get)
	g.PUT("/:id/confirm", h.Confirm)
	g.PUT("/:id/active", h.SetActive)
	g.PUT("/:id", h.Update)
}

type confirmRequest struct {
	Comment string `json:"comment"`
	Stage   int    `json:"stage"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func identity(c echo.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, domainerrors.New(domainerrors.CodeUnauthorized, "authentication required")
	}
	return id, nil
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, domainerrors.Newf(domainerrors.CodeInvalid, "invalid %s", name)
	}
	return id, nil
}

// decodeStrict rejects unknown fields so a patch cannot silently carry
// fields the operation does not accept.
func decodeStrict(c echo.Context, dst interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return domainerrors.Wrap(err, domainerrors.CodeInvalid, "invalid request body")
	}
	return nil
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := decodeStrict(c, &in, false); err != nil {
		return err
	}
	ref, err := h.svc.Create(c.Request().Context(), in, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ref)
}

func (h *Handler) List(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	f, ok := ParseFilter(c.QueryParam("filter"))
	if !ok {
		return domainerrors.New(domainerrors.CodeInvalid, "filter must be one of pending, received, completed, all")
	}
	page, err := pagination.FromContext(c, h.maxLimit)
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeInvalid, err.Error())
	}
	resp, err := h.query.List(c.Request().Context(), f, actor, c.QueryParam("search"), page)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) PatientHistory(c echo.Context) error {
	if _, err := identity(c); err != nil {
		return err
	}
	patientID, err := parseID(c, "patientId")
	if err != nil {
		return err
	}
	items, err := h.query.GetPatientHistory(c.Request().Context(), patientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) Get(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ref, err := h.svc.GetByID(c.Request().Context(), id, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ref)
}

func (h *Handler) Confirm(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req confirmRequest
	if err := decodeStrict(c, &req, true); err != nil {
		return err
	}
	res, err := h.svc.ConfirmStageAt(c.Request().Context(), id, actor, Stage(req.Stage), req.Comment)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Update(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var p Patch
	if err := decodeStrict(c, &p, false); err != nil {
		return err
	}
	ref, err := h.svc.Update(c.Request().Context(), id, actor, p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ref)
}

func (h *Handler) SetActive(c echo.Context) error {
	actor, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req setActiveRequest
	if err := decodeStrict(c, &req, false); err != nil {
		return err
	}
	if req.Active == nil {
		return domainerrors.New(domainerrors.CodeInvalid, "active is required")
	}
	ref, err := h.svc.SetActive(c.Request().Context(), id, actor, *req.Active)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ref)
}
