package common

import (
	"net/http"
	"strconv"
)

const maxPageSize = 100

// Sort keys accepted for board listings
const (
	SortLastModified = "lastModified"
	SortName         = "name"
)

// PaginationParams selects one page of a listing
type PaginationParams struct {
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
	Sort     string `json:"sort,omitempty"`
	Order    string `json:"order,omitempty"`
}

// DefaultPaginationParams is the first 20 items, most recently modified first
func DefaultPaginationParams() PaginationParams {
	return PaginationParams{Page: 1, PageSize: 20, Sort: SortLastModified, Order: "desc"}
}

// Ascending reports whether the caller asked for ascending order
func (p PaginationParams) Ascending() bool { return p.Order == "asc" }

// Normalize fills zero or out-of-range fields with defaults
func (p PaginationParams) Normalize() PaginationParams {
	def := DefaultPaginationParams()
	if p.Page <= 0 {
		p.Page = def.Page
	}
	if p.PageSize <= 0 {
		p.PageSize = def.PageSize
	}
	p.PageSize = min(p.PageSize, maxPageSize)
	if p.Sort != SortName {
		p.Sort = def.Sort
	}
	if p.Order != "asc" {
		p.Order = def.Order
	}
	return p
}

// ExtractPaginationParams reads ?page=&pageSize=&sort=&order=
func ExtractPaginationParams(r *http.Request) PaginationParams {
	q := r.URL.Query()
	p := PaginationParams{Sort: q.Get("sort"), Order: q.Get("order")}
	p.Page, _ = strconv.Atoi(q.Get("page"))
	p.PageSize, _ = strconv.Atoi(q.Get("pageSize"))
	return p.Normalize()
}

// PaginationInfo describes where a page sits in the full listing
type PaginationInfo struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"pageSize"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// PaginatedResult is one page of items plus its position
type PaginatedResult struct {
	Items      interface{}     `json:"items"`
	Pagination *PaginationInfo `json:"pagination"`
}

// Paginate cuts the requested page out of items, which must already be sorted.
// A page past the end is empty.
func Paginate[T any](items []T, p PaginationParams) ([]T, *PaginationInfo) {
	p = p.Normalize()
	total := len(items)
	start := min((p.Page-1)*p.PageSize, total)
	end := min(start+p.PageSize, total)

	pages := (total + p.PageSize - 1) / p.PageSize
	return items[start:end], &PaginationInfo{
		Page:       p.Page,
		PageSize:   p.PageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    p.Page < pages,
		HasPrev:    p.Page > 1,
	}
}
