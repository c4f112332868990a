package handlers

import (
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/repositories"
)

// EntryHandler exposes read access to imported entries
type EntryHandler struct {
	entries repositories.EntryRepo
	logger  ectologger.Logger
}

// NewEntryHandler creates a new entry handler
func NewEntryHandler(entries repositories.EntryRepo, logger ectologger.Logger) *EntryHandler {
	return &EntryHandler{entries: entries, logger: logger}
}

// RegisterRoutes registers the entry routes
func (h *EntryHandler) RegisterRoutes(g *echo.Group) {
	entries := g.Group("/entries")
	entries.GET("", h.List)
	entries.GET("/:id", h.Get)
}

// ListEntriesResponse wraps an entry listing
type ListEntriesResponse struct {
	Entries []models.RawEntry `json:"entries"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// List returns the tenant's entries, newest first. Supports provider, limit
// and offset query parameters.
func (h *EntryHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	provider := c.QueryParam("provider")
	if provider != "" && provider != models.ProviderNotion && provider != models.ProviderGmail {
		return BadRequest("unknown provider filter")
	}

	limit, err := parseIntParam(c.QueryParam("limit"), 50)
	if err != nil {
		return BadRequest("limit must be an integer")
	}
	offset, err := parseIntParam(c.QueryParam("offset"), 0)
	if err != nil {
		return BadRequest("offset must be an integer")
	}

	entries, err := h.entries.List(ctx, provider, limit, offset)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []models.RawEntry{}
	}

	return SuccessResponse(c, ListEntriesResponse{Entries: entries, Limit: limit, Offset: offset})
}

// Get returns a single entry by ID
func (h *EntryHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	if _, err := GetTenantID(c); err != nil {
		return err
	}

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	entry, err := h.entries.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, entry)
}

func parseIntParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
