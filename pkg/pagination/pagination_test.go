package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/exams?"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor("")
	if p.Limit != DefaultLimit || p.Offset != 0 {
		t.Errorf("unexpected defaults %+v", p)
	}
}

func TestFromContext_Clamps(t *testing.T) {
	p := paramsFor("limit=10000&offset=-5")
	if p.Limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestFromContext_Explicit(t *testing.T) {
	p := paramsFor("limit=5&offset=15")
	if p.Limit != 5 || p.Offset != 15 {
		t.Errorf("unexpected params %+v", p)
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]int{1, 2}, 12, Params{Limit: 5, Offset: 5})
	if !r.HasMore {
		t.Error("expected has_more")
	}
	if r.NextOffset == nil || *r.NextOffset != 10 {
		t.Errorf("expected next offset 10, got %v", r.NextOffset)
	}

	last := NewResponse([]int{1, 2}, 12, Params{Limit: 5, Offset: 10})
	if last.HasMore || last.NextOffset != nil {
		t.Error("last page should not have more")
	}
}

func TestWindow(t *testing.T) {
	tests := []struct {
		p          Params
		n          int
		start, end int
	}{
		{Params{Limit: 10, Offset: 0}, 3, 0, 3},
		{Params{Limit: 2, Offset: 1}, 5, 1, 3},
		{Params{Limit: 2, Offset: 9}, 5, 5, 5},
	}
	for _, tt := range tests {
		s, e := tt.p.Window(tt.n)
		if s != tt.start || e != tt.end {
			t.Errorf("%+v.Window(%d) = %d,%d want %d,%d", tt.p, tt.n, s, e, tt.start, tt.end)
		}
	}
}
