package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	return e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"?limit=5&offset=10", 5, 10},
		{"?_count=7&_offset=14", 7, 14},
		{"?_count=7&limit=9", 7, 0},
		{"?limit=1000", MaxLimit, 0},
		{"?limit=-3&offset=-1", DefaultLimit, 0},
		{"?limit=abc&offset=x", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(newContext("/batches" + tt.query))
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%q: got limit=%d offset=%d, want %d/%d", tt.query, p.Limit, p.Offset, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestNewResponse_FirstPage(t *testing.T) {
	c := newContext("/api/v1/hl7/batches?source=EPIC&limit=2")
	resp := NewResponse(c, []int{1, 2}, 5, FromContext(c))

	if !resp.HasMore || resp.Total != 5 {
		t.Errorf("unexpected page: %+v", resp)
	}
	if resp.Links.Self != "/api/v1/hl7/batches?limit=2&offset=0&source=EPIC" {
		t.Errorf("self = %q", resp.Links.Self)
	}
	if resp.Links.Next != "/api/v1/hl7/batches?limit=2&offset=2&source=EPIC" {
		t.Errorf("next = %q", resp.Links.Next)
	}
	if resp.Links.Previous != "" {
		t.Errorf("first page has no previous link, got %q", resp.Links.Previous)
	}
}

func TestNewResponse_LastPage(t *testing.T) {
	c := newContext("/batches?_count=2&_offset=3")
	resp := NewResponse(c, []int{4, 5}, 5, FromContext(c))

	if resp.HasMore || resp.Links.Next != "" {
		t.Errorf("last page has no next link: %+v", resp.Links)
	}
	if resp.Links.Previous != "/batches?limit=2&offset=1" {
		t.Errorf("previous = %q", resp.Links.Previous)
	}
}

func TestNewResponse_PreviousClampsAtZero(t *testing.T) {
	c := newContext("/batches?limit=10&offset=4")
	resp := NewResponse(c, nil, 20, FromContext(c))
	if resp.Links.Previous != "/batches?limit=10&offset=0" {
		t.Errorf("previous = %q", resp.Links.Previous)
	}
}

func TestResponse_JSON(t *testing.T) {
	c := newContext("/batches")
	b, err := json.Marshal(NewResponse(c, []string{}, 0, FromContext(c)))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	json.Unmarshal(b, &m)
	for _, key := range []string{"data", "total", "limit", "offset", "has_more", "links"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %q in %s", key, b)
		}
	}
}
