// Package pagination reads offset paging parameters from requests and
// renders list responses with navigation links.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads _count/limit and _offset/offset. Missing or invalid
// values fall back to the defaults; limit is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	return Params{
		Limit:  clamp(firstInt(c, "_count", "limit"), DefaultLimit, MaxLimit),
		Offset: clamp(firstInt(c, "_offset", "offset"), 0, -1),
	}
}

func firstInt(c echo.Context, names ...string) int {
	for _, name := range names {
		if n, err := strconv.Atoi(c.QueryParam(name)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// clamp returns def for non-positive n and caps at max when max > 0.
func clamp(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) next() Params {
	return Params{Limit: p.Limit, Offset: p.Offset + p.Limit}
}

func (p Params) previous() Params {
	prev := p.Offset - p.Limit
	if prev < 0 {
		prev = 0
	}
	return Params{Limit: p.Limit, Offset: prev}
}

// Links holds relative URLs for neighbouring pages.
type Links struct {
	Self     string `json:"self"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Response wraps one page of a list.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   Links       `json:"links"`
}

// NewResponse builds the page for p. Links keep every other query
// parameter of the request, so filters survive navigation.
func NewResponse(c echo.Context, data interface{}, total int, p Params) *Response {
	resp := &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
	resp.Links.Self = pageURL(c, p)
	if resp.HasMore {
		resp.Links.Next = pageURL(c, p.next())
	}
	if p.Offset > 0 {
		resp.Links.Previous = pageURL(c, p.previous())
	}
	return resp
}

func pageURL(c echo.Context, p Params) string {
	q := url.Values{}
	for k, v := range c.QueryParams() {
		switch k {
		case "_count", "limit", "_offset", "offset":
			continue
		}
		q[k] = v
	}
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(p.Offset))
	return c.Request().URL.Path + "?" + q.Encode()
}
