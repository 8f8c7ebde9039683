// Package pagination reads limit/offset windows from list requests and wraps
// list results in a page envelope.
package pagination

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Window bounds the page size of one list endpoint.
type Window struct {
	Default int
	Max     int
}

var (
	// QueueBoard fits a busy branch's waiting list on one screen.
	QueueBoard = Window{Default: 50, Max: 200}
	// Directory is the window for staff listings.
	Directory = Window{Default: 20, Max: 100}
)

// Params is the window a request asked for after clamping.
type Params struct {
	Limit  int
	Offset int
}

// Parse reads limit and offset from the query string. Missing values take the
// window default, a limit above Max is clamped, and anything that is not a
// non-negative integer is a 400.
func (w Window) Parse(c echo.Context) (Params, error) {
	p := Params{Limit: w.Default}

	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Params{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
		}
		p.Limit = min(n, w.Max)
	}
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Params{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid offset %q", raw))
		}
		p.Offset = n
	}
	return p, nil
}

// Page is one window of a list result.
type Page[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
	NextOffset *int `json:"next_offset,omitempty"`
}

// NewPage wraps items. A nil slice is rendered as [] so an empty queue board
// is still a list.
func NewPage[T any](items []T, total int, p Params) *Page[T] {
	if items == nil {
		items = []T{}
	}
	page := &Page[T]{
		Data:   items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	}
	if next := p.Offset + len(items); len(items) > 0 && next < total {
		page.HasMore = true
		page.NextOffset = &next
	}
	return page
}
