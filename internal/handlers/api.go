package handlers

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/ytakahashi/listsync/internal/models"
	"github.com/ytakahashi/listsync/internal/workspace"
	"go.uber.org/zap"
)

// APIHandler exposes a user's workspace over HTTP. Mutations answer once the
// store acknowledged the write; the resulting state arrives through
// /state and /ws like any other remote change.
type APIHandler struct {
	hub *workspace.Hub
	log *zap.Logger
}

func NewAPIHandler(hub *workspace.Hub, log *zap.Logger) *APIHandler {
	return &APIHandler{
		hub: hub,
		log: log,
	}
}

func (h *APIHandler) Register(g *echo.Group) {
	g.Use(h.acquire)

	g.GET("/state", h.getState)
	g.GET("/ws", h.streamState)
	g.POST("/reload", h.reload)

	g.POST("/lists", h.createList)
	g.PATCH("/lists/:owner/:id", h.renameList)
	g.DELETE("/lists/:owner/:id", h.deleteList)
	g.POST("/lists/:owner/:id/members", h.addMember)
	g.DELETE("/lists/:owner/:id/members/:uid", h.removeMember)
	g.POST("/lists/:owner/:id/items", h.addItem)
	g.POST("/lists/:owner/:id/items/:item/toggle", h.toggleItem)
	g.DELETE("/lists/:owner/:id/items/:item", h.deleteItem)

	g.PUT("/focus", h.focus)
	g.DELETE("/focus", h.browse)
	g.DELETE("/focus/list", h.deleteFocusedList)
	g.POST("/focus/notes", h.addNote)
	g.POST("/focus/notes/:id/toggle", h.toggleNote)
	g.PATCH("/focus/notes/:id", h.editNote)
	g.DELETE("/focus/notes/:id", h.deleteNote)

	g.POST("/notes", h.createNote)
	g.PATCH("/notes/:id", h.updateNote)
	g.DELETE("/notes/:id", h.deleteStandaloneNote)
	g.POST("/notes/:id/members", h.shareNote)
}

const workspaceKey = "workspace"

// acquire holds the caller's workspace for the lifetime of the request, or of
// the stream on /ws.
func (h *APIHandler) acquire(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, release, err := h.hub.Acquire(SessionFrom(c))
		if err != nil {
			return respondError(c, h.log, err)
		}
		defer release()
		c.Set(workspaceKey, ws)
		return next(c)
	}
}

func workspaceFrom(c echo.Context) *workspace.Workspace {
	return c.Get(workspaceKey).(*workspace.Workspace)
}

func listRef(c echo.Context) models.ListRef {
	return models.ListRef{ID: c.Param("id"), OwnerUID: c.Param("owner")}
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return fmt.Errorf("%w: malformed request body", models.ErrValidation)
	}
	return nil
}

func (h *APIHandler) getState(c echo.Context) error {
	ws := workspaceFrom(c)
	return c.JSON(http.StatusOK, ws.State())
}

// reload reopens index or notes subscriptions that failed.
func (h *APIHandler) reload(c echo.Context) error {
	ws := workspaceFrom(c)
	if err := ws.Engine.Reload(c.Request().Context()); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, ws.State())
}

func (h *APIHandler) createList(c echo.Context) error {
	var req createListRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	ref, err := ws.Mutations.CreateList(c.Request().Context(), req.Name, req.Type)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, ref)
}

func (h *APIHandler) renameList(c echo.Context) error {
	var req renameListRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	list, err := ws.List(listRef(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := ws.Mutations.RenameList(c.Request().Context(), list, req.Name); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) deleteList(c echo.Context) error {
	ws := workspaceFrom(c)
	if err := ws.DeleteList(c.Request().Context(), listRef(c)); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) addMember(c echo.Context) error {
	var req memberRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	list, err := ws.List(listRef(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := ws.Mutations.AddMember(c.Request().Context(), list, req.UID); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) removeMember(c echo.Context) error {
	ws := workspaceFrom(c)
	list, err := ws.List(listRef(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := ws.Mutations.RemoveMember(c.Request().Context(), list, c.Param("uid")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) addItem(c echo.Context) error {
	var req itemRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	list, err := ws.List(listRef(c))
	if err != nil {
		return respondError(c, h.log, err)
	}
	item, err := ws.Mutations.AddItem(c.Request().Context(), list, req.Text)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *APIHandler) toggleItem(c echo.Context) error {
	ws := workspaceFrom(c)
	if err := ws.ToggleItem(c.Request().Context(), listRef(c), c.Param("item")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) deleteItem(c echo.Context) error {
	ws := workspaceFrom(c)
	if err := ws.DeleteItem(c.Request().Context(), listRef(c), c.Param("item")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) focus(c echo.Context) error {
	var req focusRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	if err := ws.Engine.Focus(c.Request().Context(), req.Ref()); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, ws.State())
}

func (h *APIHandler) browse(c echo.Context) error {
	ws := workspaceFrom(c)
	if err := ws.Engine.Browse(c.Request().Context()); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, ws.State())
}

func (h *APIHandler) deleteFocusedList(c echo.Context) error {
	ws := workspaceFrom(c)
	if err := ws.DeleteFocusedList(c.Request().Context()); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) addNote(c echo.Context) error {
	var req noteRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	id, err := ws.AddFocusedNote(c.Request().Context(), req.Title, req.Content)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, createdResponse{ID: id})
}

func (h *APIHandler) toggleNote(c echo.Context) error {
	ws := workspaceFrom(c)
	if err := ws.ToggleFocusedNote(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) editNote(c echo.Context) error {
	var req noteRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	if err := ws.EditFocusedNote(c.Request().Context(), c.Param("id"), req.Title, req.Content); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) deleteNote(c echo.Context) error {
	ws := workspaceFrom(c)
	if err := ws.DeleteFocusedNote(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) createNote(c echo.Context) error {
	var req noteRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	id, err := ws.Mutations.CreateNote(c.Request().Context(), req.Title, req.Content)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, createdResponse{ID: id})
}

func (h *APIHandler) updateNote(c echo.Context) error {
	var req noteRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	note, err := ws.StandaloneNote(c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := ws.Mutations.UpdateNote(c.Request().Context(), note, req.Title, req.Content); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) deleteStandaloneNote(c echo.Context) error {
	ws := workspaceFrom(c)
	note, err := ws.StandaloneNote(c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := ws.Mutations.DeleteStandaloneNote(c.Request().Context(), note); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *APIHandler) shareNote(c echo.Context) error {
	var req memberRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.log, err)
	}
	ws := workspaceFrom(c)
	note, err := ws.StandaloneNote(c.Param("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	if err := ws.Mutations.ShareNote(c.Request().Context(), note, req.UID); err != nil {
		return respondError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}
