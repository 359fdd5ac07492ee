package pagination

import (
	"fmt"
	"math"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100

	// MaxOffset bounds the rows a page may skip; it fits a Postgres integer.
	MaxOffset = math.MaxInt32
)

// Params holds page-based pagination parameters extracted from a request.
type Params struct {
	Page  int
	Limit int
}

// Parse validates raw page/limit values. Empty values fall back to defaults;
// anything that is not a positive integer is rejected. Limits above maxLimit
// are capped rather than rejected.
func Parse(rawPage, rawLimit string, maxLimit int) (Params, error) {
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	p := Params{Page: DefaultPage, Limit: DefaultLimit}

	if rawPage != "" {
		page, err := strconv.Atoi(rawPage)
		if err != nil || page <= 0 {
			return Params{}, fmt.Errorf("page must be a positive integer")
		}
		p.Page = page
	}
	if rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return Params{}, fmt.Errorf("limit must be a positive integer")
		}
		p.Limit = limit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if !p.InRange() {
		return Params{}, fmt.Errorf("page is out of range")
	}
	return p, nil
}

// InRange reports whether Page and Limit are positive and the offset stays
// within MaxOffset.
func (p Params) InRange() bool {
	if p.Page <= 0 || p.Limit <= 0 {
		return false
	}
	return p.Page-1 <= MaxOffset/p.Limit
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context, maxLimit int) (Params, error) {
	return Parse(c.QueryParam("page"), c.QueryParam("limit"), maxLimit)
}

// Offset returns the number of rows to skip.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// TotalPages returns the page count for total rows.
func (p Params) TotalPages(total int) int {
	if p.Limit <= 0 || total <= 0 {
		return 0
	}
	return (total + p.Limit - 1) / p.Limit
}

// Meta describes the page returned to the caller.
type Meta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// Response wraps a paginated API response.
type Response struct {
	Data       interface{} `json:"data"`
	Pagination Meta        `json:"pagination"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	return &Response{
		Data: data,
		Pagination: Meta{
			Total:      total,
			Page:       p.Page,
			Limit:      p.Limit,
			TotalPages: p.TotalPages(total),
		},
	}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Page < p.TotalPages(total)
}
