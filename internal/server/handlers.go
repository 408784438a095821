package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/internal/gatekeeper"
	"github.com/mohammad-safakhou/specforge/internal/jobs"
	"github.com/mohammad-safakhou/specforge/internal/lineage"
	"github.com/mohammad-safakhou/specforge/internal/queue/streams"
	"github.com/mohammad-safakhou/specforge/internal/store"
	"github.com/mohammad-safakhou/specforge/internal/worker"
)

// HeaderOwnerID is set by the upstream auth proxy.
const HeaderOwnerID = "X-Owner-ID"

const ownerKey = "owner_id"

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

type handlers struct {
	deps   Deps
	logger *zap.Logger
}

func requireOwner(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := strings.TrimSpace(c.Request().Header.Get(HeaderOwnerID))
		if owner == "" {
			return &apiError{status: http.StatusUnauthorized, category: CategoryUnauthorized, msg: "missing " + HeaderOwnerID}
		}
		c.Set(ownerKey, owner)
		return next(c)
	}
}

// recordID reads a record id path or query value. Ids that cannot name a record are not found.
func recordID(v string) (string, error) {
	if _, err := uuid.Parse(v); err != nil {
		return "", &apiError{status: http.StatusNotFound, category: CategoryNotFound, msg: "spec " + v + ": record not found"}
	}
	return v, nil
}

func ownerOf(c echo.Context) string {
	owner, _ := c.Get(ownerKey).(string)
	return owner
}

// bindValid decodes the body into v and runs its validate tags.
func bindValid(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return badRequest("invalid request body")
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return badRequest("%s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return badRequest("%v", err)
	}
	return nil
}

type submitBody struct {
	InputText        string                 `json:"input_text"`
	ParentID         string                 `json:"parent_id"`
	RootID           string                 `json:"root_id"`
	ProjectID        string                 `json:"project_id"`
	ValidatedContext string                 `json:"validated_context"`
	Answers          gatekeeper.Answers     `json:"answers"`
	Settings         map[string]interface{} `json:"settings"`
}

func (h *handlers) submit(c echo.Context) error {
	var body submitBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	res, err := h.deps.Jobs.Submit(c.Request().Context(), jobs.SubmitRequest{
		OwnerID:          ownerOf(c),
		InputText:        body.InputText,
		ParentID:         body.ParentID,
		RootID:           body.RootID,
		ProjectID:        body.ProjectID,
		ValidatedContext: body.ValidatedContext,
		Answers:          body.Answers,
		Settings:         body.Settings,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrDispatch) && res.JobID != "" {
			return &apiError{status: http.StatusServiceUnavailable, category: CategoryDispatchFailed, msg: "job could not be dispatched", jobID: res.JobID}
		}
		return err
	}
	if !res.Admitted() {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusAccepted, res)
}

func (h *handlers) status(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return c.JSON(http.StatusOK, jobs.StatusResult{JobID: id, Status: jobs.StatusUnknown})
	}
	// Jobs of other owners report as unknown, like ids that name no record.
	if _, err := h.deps.Lineage.Get(ctx, ownerOf(c), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusOK, jobs.StatusResult{JobID: id, Status: jobs.StatusUnknown})
		}
		return err
	}
	res, err := h.deps.Jobs.Status(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) history(c echo.Context) error {
	root, err := recordID(c.Param("root"))
	if err != nil {
		return err
	}
	recs, err := h.deps.Lineage.History(c.Request().Context(), ownerOf(c), root)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"root_id": root, "versions": recs})
}

func (h *handlers) getSpec(c echo.Context) error {
	id, err := recordID(c.Param("id"))
	if err != nil {
		return err
	}
	rec, err := h.deps.Lineage.Get(c.Request().Context(), ownerOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *handlers) diff(c echo.Context) error {
	a, b := c.QueryParam("a"), c.QueryParam("b")
	if a == "" || b == "" {
		return badRequest("query parameters a and b are required")
	}
	ctx := c.Request().Context()
	owner := ownerOf(c)
	for _, id := range []string{a, b} {
		if _, err := recordID(id); err != nil {
			return err
		}
		if _, err := h.deps.Lineage.Get(ctx, owner, id); err != nil {
			return err
		}
	}
	res, err := h.deps.Lineage.Diff(ctx, a, b)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"a":       a,
		"b":       b,
		"summary": res.Summary(),
		"changes": res.Changes,
	})
}

type editBody struct {
	Document json.RawMessage        `json:"document"`
	Metadata map[string]interface{} `json:"metadata"`
	InPlace  bool                   `json:"in_place"`
}

func (h *handlers) editSpec(c echo.Context) error {
	var body editBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	id, err := recordID(c.Param("id"))
	if err != nil {
		return err
	}
	rec, err := h.deps.Lineage.Edit(c.Request().Context(), lineage.EditRequest{
		ID:       id,
		OwnerID:  ownerOf(c),
		Document: body.Document,
		Metadata: body.Metadata,
		InPlace:  body.InPlace,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *handlers) finalize(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := recordID(c.Param("id"))
	if err != nil {
		return err
	}
	if _, err := h.deps.Lineage.Get(ctx, ownerOf(c), id); err != nil {
		return err
	}
	res, err := h.deps.Finalizer.Finalize(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type evaluateBody struct {
	ProjectID string             `json:"project_id" validate:"required,max=200"`
	Text      string             `json:"text" validate:"required"`
	Answers   gatekeeper.Answers `json:"answers"`
}

func (h *handlers) evaluate(c echo.Context) error {
	var body evaluateBody
	if err := bindValid(c, &body); err != nil {
		return err
	}
	res, err := h.deps.Gatekeeper.Evaluate(c.Request().Context(), gatekeeper.Intent{
		ProjectID: body.ProjectID,
		Text:      body.Text,
		Answers:   body.Answers,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type alignmentBody struct {
	Intent           string `json:"intent" validate:"required"`
	ValidatedContext string `json:"validated_context"`
	Content          string `json:"content" validate:"required"`
}

func (h *handlers) checkAlignment(c echo.Context) error {
	var body alignmentBody
	if err := bindValid(c, &body); err != nil {
		return err
	}
	res := h.deps.Alignment.Check(c.Request().Context(), body.Intent, body.ValidatedContext, body.Content)
	return c.JSON(http.StatusOK, res)
}

// deliver accepts one stream envelope pushed by an external transport. A non-2xx response asks
// the pusher to redeliver.
func (h *handlers) deliver(c echo.Context) error {
	var env streams.Envelope
	if err := c.Bind(&env); err != nil {
		return badRequest("invalid envelope")
	}
	if err := worker.Deliver(c.Request().Context(), h.deps.Runner, env); err != nil {
		if errors.Is(err, worker.ErrUnsupportedEvent) {
			return badRequest("%v", err)
		}
		h.logger.Warn("push delivery failed", zap.String("event_id", env.EventID), zap.Error(err))
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
