package coding

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/chargecapture/internal/platform/auth"
	"github.com/ehr/chargecapture/internal/platform/fhir"
	"github.com/ehr/chargecapture/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/coding")

	// Analysis and review – coder, reviewer
	review := g.Group("", auth.RequireRole(auth.RoleCoder, auth.RoleReviewer))
	review.POST("/analyze", h.Analyze)
	review.POST("/sessions/:id/analyze", h.Reanalyze)
	review.POST("/sessions/:id/toggle", h.Toggle)

	// Submission – reviewer, billing
	submit := g.Group("", auth.RequireRole(auth.RoleReviewer, auth.RoleBilling))
	submit.POST("/sessions/:id/submit", h.Submit)

	// Read endpoints – coder, reviewer, billing
	read := g.Group("", auth.RequireRole(auth.RoleCoder, auth.RoleReviewer, auth.RoleBilling))
	read.GET("/sessions/:id", h.GetSession)
	read.GET("/batches", h.ListBatches)
	read.GET("/batches/:id", h.GetBatch)
	read.GET("/reference/patterns", h.ListPatterns)
	read.GET("/reference/rates/:code", h.GetRate)
	read.GET("/reference/misses", h.GetMisses)

	// Reference administration – admin only
	admin := g.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/reference/reload", h.ReloadReference)
}

// -- Analysis --

func (h *Handler) Analyze(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Analyze(c.Request().Context(), &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Reanalyze(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Reanalyze(c.Request().Context(), id, &req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Sessions --

func (h *Handler) GetSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := h.svc.GetSession(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

type toggleRequest struct {
	Code string `json:"code"`
}

func (h *Handler) Toggle(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	view, err := h.svc.Toggle(c.Request().Context(), id, req.Code)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

type submitRequest struct {
	Acknowledged bool `json:"acknowledged"`
}

type duplicateResponse struct {
	Error string       `json:"error"`
	Batch *ChargeBatch `json:"batch,omitempty"`
}

func (h *Handler) Submit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cmd := SubmitCommand{
		ReviewerID:   auth.UserIDFromContext(c.Request().Context()),
		Acknowledged: req.Acknowledged,
	}
	batch, err := h.svc.Submit(c.Request().Context(), id, cmd)
	if errors.Is(err, ErrDuplicateSubmission) {
		return c.JSON(http.StatusConflict, duplicateResponse{Error: err.Error(), Batch: batch})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, batch)
}

// -- Batches --

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	asFHIR := c.QueryParam("format") == "fhir"
	batch, err := h.svc.GetBatch(c.Request().Context(), id)
	if errors.Is(err, ErrBatchNotFound) && asFHIR {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Claim", id.String()))
	}
	if err != nil {
		return httpError(err)
	}
	if asFHIR {
		return c.JSON(http.StatusOK, batch.ToFHIR())
	}
	return c.JSON(http.StatusOK, batch)
}

func (h *Handler) ListBatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total := h.svc.ListBatches(c.Request().Context(), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	pagination.SetLinkHeader(c, pg, total)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Reference data --

type patternView struct {
	Domain      Domain `json:"domain"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	Match       string `json:"match"`
}

func (h *Handler) ListPatterns(c echo.Context) error {
	ref := h.svc.Reference()
	var out []patternView
	for _, d := range []Domain{DomainDiagnosis, DomainProcedure} {
		if want := c.QueryParam("domain"); want != "" && want != string(d) {
			continue
		}
		for _, p := range ref.Library.Patterns(d) {
			out = append(out, patternView{
				Domain:      p.Domain,
				Code:        p.Code,
				Description: p.Description,
				Category:    p.Category,
				Match:       p.Match.String(),
			})
		}
	}
	if out == nil {
		out = []patternView{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"source":   ref.Source,
		"patterns": out,
	})
}

type rateView struct {
	Code        string  `json:"code"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
	Default     bool    `json:"default"`
}

func (h *Handler) GetRate(c echo.Context) error {
	code := c.Param("code")
	ref := h.svc.Reference()
	amount, ok := ref.Rates.Lookup(code)
	if !ok {
		amount = ref.Rates.Default()
	}
	desc, _ := ref.Library.Describe(code)
	return c.JSON(http.StatusOK, rateView{Code: code, Amount: amount, Description: desc, Default: !ok})
}

func (h *Handler) GetMisses(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"default_rate": h.svc.Reference().Rates.Default(),
		"misses":       h.svc.Resolver().Misses(),
	})
}

func (h *Handler) ReloadReference(c echo.Context) error {
	ref, err := h.svc.ReloadReference(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"source":   ref.Source,
		"patterns": ref.Library.Len(),
		"rates":    len(ref.Rates.Codes()),
	})
}

// httpError maps coding errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case IsInput(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrBatchNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAnalysisInFlight),
		errors.Is(err, ErrAlreadySubmitted),
		errors.Is(err, ErrDuplicateSubmission):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
