package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"crm-activities/board"
	"crm-activities/domain"
)

const healthTimeout = 2 * time.Second

// Deps carries everything the routes need.
type Deps struct {
	Boards  Boards
	Table   *domain.StatusTable
	Deduper Deduper
	Hub     *Hub
	Health  HealthChecker
	Logger  *log.Logger
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Table == nil {
		d.Table = domain.DefaultStatusTable
	}
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	obs := func(route string) echo.MiddlewareFunc { return observe(d.Logger, route) }
	once := idempotent(d.Deduper, d.Logger)

	e.GET("/api/columns", getColumns(d.Table), obs("/api/columns"))

	leads := e.Group("/api/leads/:leadId")
	leads.GET("/board", getBoard(d.Boards), obs("/api/leads/:leadId/board"))
	leads.PUT("/filter", putFilter(d.Boards), obs("/api/leads/:leadId/filter"))
	leads.POST("/refresh", postRefresh(d.Boards), obs("/api/leads/:leadId/refresh"))
	leads.POST("/board/drop", postDrop(d.Boards), obs("/api/leads/:leadId/board/drop"), once)
	leads.POST("/dialog/choose", postChoose(d.Boards), obs("/api/leads/:leadId/dialog/choose"), once)
	leads.POST("/dialog/cancel", postCancel(d.Boards), obs("/api/leads/:leadId/dialog/cancel"), once)
	leads.PATCH("/activities/:id/status", patchStatus(d.Boards), obs("/api/leads/:leadId/activities/:id/status"), once)
	if d.Hub != nil {
		leads.GET("/stream", streamBoard(d.Boards, d.Hub))
	}

	e.GET("/healthz", healthz(d.Health))
}

func healthz(h HealthChecker) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.NoContent(http.StatusOK)
	}
}

func getColumns(t *domain.StatusTable) echo.HandlerFunc {
	cols := t.Columns()
	resp := make([]columnResponse, 0, len(cols))
	for _, col := range cols {
		resp = append(resp, columnResponse{
			ID:             col.ID,
			Title:          col.Title,
			Statuses:       col.Statuses,
			DefaultStatus:  col.DefaultStatus,
			RequiresChoice: col.RequiresChoice(),
		})
	}
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, resp)
	}
}

func getBoard(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		sess, err := boards.Session(c.Request().Context(), c.Param("leadId"))
		if err != nil {
			return writeError(c, err)
		}
		return writeView(c, http.StatusOK, sess.View())
	}
}

func putFilter(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req filterRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		sess, err := boards.Session(c.Request().Context(), c.Param("leadId"))
		if err != nil {
			return writeError(c, err)
		}
		v, err := sess.SetFilter(domain.Filter{Statuses: req.Statuses, Search: req.Search})
		if err != nil {
			return writeError(c, err)
		}
		return writeView(c, http.StatusOK, v)
	}
}

func postRefresh(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		sess, err := boards.Session(ctx, c.Param("leadId"))
		if err != nil {
			return writeError(c, err)
		}
		v, err := sess.Reload(ctx)
		if err != nil {
			return writeError(c, err)
		}
		return writeView(c, http.StatusOK, v)
	}
}

func postDrop(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req dropRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if len(req.Columns) == 0 {
			setErrorStage(c, "decode")
			return c.String(http.StatusBadRequest, "columns are required")
		}
		ctx := c.Request().Context()
		sess, err := boards.Session(ctx, c.Param("leadId"))
		if err != nil {
			return writeError(c, err)
		}
		res, v, err := sess.Drop(ctx, req.Columns)
		if err != nil {
			return writeError(c, err)
		}
		metricsFrom(c).SetOutcome(string(res.Outcome))
		metricsFrom(c).SetActivities(countActivities(v))
		return c.JSON(http.StatusOK, dropResponse{Result: res, Board: v})
	}
}

func postChoose(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req statusRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ctx := c.Request().Context()
		sess, err := boards.Session(ctx, c.Param("leadId"))
		if err != nil {
			return writeError(c, err)
		}
		v, err := sess.Choose(ctx, req.Status)
		if err != nil {
			return writeError(c, err)
		}
		metricsFrom(c).SetOutcome(string(domain.DialogApplied))
		return writeView(c, http.StatusOK, v)
	}
}

func postCancel(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		sess, err := boards.Session(ctx, c.Param("leadId"))
		if err != nil {
			return writeError(c, err)
		}
		v, err := sess.Cancel(ctx)
		if err != nil {
			return writeError(c, err)
		}
		metricsFrom(c).SetOutcome(string(domain.DialogCancelled))
		return writeView(c, http.StatusOK, v)
	}
}

func patchStatus(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req statusRequest
		if err := decodeBody(c, &req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ctx := c.Request().Context()
		sess, err := boards.Session(ctx, c.Param("leadId"))
		if err != nil {
			return writeError(c, err)
		}
		v, changed, err := sess.SetStatus(ctx, c.Param("id"), req.Status)
		if err != nil {
			return writeError(c, err)
		}
		metricsFrom(c).SetActivities(countActivities(v))
		return c.JSON(http.StatusOK, statusResponse{Changed: changed, Board: v})
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, maxRequestSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		setErrorStage(c, "decode")
		return err
	}
	return nil
}

func writeView(c echo.Context, status int, v board.View) error {
	metricsFrom(c).SetActivities(countActivities(v))
	return c.JSON(status, v)
}

// writeError maps board and storage failures to HTTP responses.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, board.ErrDialogPending),
		errors.Is(err, domain.ErrDialogBusy),
		errors.Is(err, domain.ErrNoPending):
		setErrorStage(c, "dialog")
		return c.String(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidChoice), errors.Is(err, board.ErrInvalidStatus):
		setErrorStage(c, "validation")
		return c.String(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, board.ErrUnknownActivity):
		setErrorStage(c, "lookup")
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, board.ErrUnknownLead):
		setErrorStage(c, "validation")
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		return err
	default:
		setErrorStage(c, "storage")
		c.Logger().Error(err)
		return c.String(http.StatusBadGateway, "activity store unavailable")
	}
}

func countActivities(v board.View) int {
	n := 0
	for _, col := range v.Columns {
		n += len(col.Activities)
	}
	return n
}
