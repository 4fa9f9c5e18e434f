package validation

import (
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hl7hub/internal/platform/auth"
	"github.com/ehr/hl7hub/internal/platform/xsdvalidate"
	"github.com/ehr/hl7hub/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleReader, auth.RoleSubmitter))
	read.GET("/flows", h.ListFlows)
	read.GET("/flows/:flow", h.GetFlow)

	submit := api.Group("", auth.RequireRole(auth.RoleSubmitter))
	submit.POST("/flows/:flow/validate", h.Validate)
	submit.POST("/flows/:flow/convert", h.Convert)
	submit.POST("/flows/:flow/messages", h.Process)
	submit.POST("/flows/:flow/structures/:structure/validate", h.ValidateXML)
	submit.POST("/standards/:version/validate", h.ValidateStandard)

	results := api.Group("", auth.RequireRole(auth.RoleReader))
	results.GET("/results", h.ListResults)
	results.GET("/results/:id", h.GetResult)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error       string                   `json:"error"`
	Kind        Kind                     `json:"kind,omitempty"`
	Diagnostics []xsdvalidate.Diagnostic `json:"diagnostics,omitempty"`
}

func errorResponse(c echo.Context, err error) error {
	return c.JSON(HTTPStatus(err), errorBody{
		Error:       err.Error(),
		Kind:        KindOf(err),
		Diagnostics: diagnosticsOf(err),
	})
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	return body, nil
}

func (h *Handler) ListFlows(c echo.Context) error {
	flows, err := h.svc.Flows(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, flows)
}

func (h *Handler) GetFlow(c echo.Context) error {
	info, err := h.svc.Flow(c.Request().Context(), c.Param("flow"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// Validate answers 204 for a valid message.
func (h *Handler) Validate(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := h.svc.ValidateOnly(c.Request().Context(), c.Param("flow"), body); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Convert(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	doc, err := h.svc.ConvertOnly(c.Request().Context(), c.Param("flow"), body)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationXMLCharsetUTF8, []byte(doc))
}

// Process validates, converts and stores; an invalid message still gets
// 200 with is_valid false.
func (h *Handler) Process(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Process(c.Request().Context(), c.Param("flow"), body, SourceHTTP)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ValidateXML(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := h.svc.ValidateXML(c.Request().Context(), c.Param("flow"), c.Param("structure"), string(body)); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ValidateStandard(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if err := h.svc.ValidateWithStandard(c.Request().Context(), body, c.Param("version")); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListResults(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := map[string]string{}
	for _, sc := range searchColumns {
		if v := c.QueryParam(sc.param); v != "" {
			params[sc.param] = v
		}
	}

	items, total, err := h.svc.SearchResults(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(c, err)
	}
	resp := pagination.NewResponse(items, total, pg)
	resp.Links = pg.Links(c.Request().URL.Path, c.QueryParams(), total)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.GetResult(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}
