package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"custom", "limit=25&offset=5", 25, 5},
		{"limit exceeds max", "limit=500", maxPageLimit, 0},
		{"negative values", "limit=-1&offset=-5", defaultPageLimit, 0},
		{"non-numeric", "limit=abc&offset=xyz", defaultPageLimit, 0},
		{"zero limit", "limit=0", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/retros?"+tt.query, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestPaginate(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	page, meta := paginate(items, 2, 0)
	assert.Equal(t, []int{1, 2}, page)
	assert.Equal(t, PaginationMeta{TotalCount: 5, Limit: 2, Offset: 0, HasMore: true}, meta)

	page, meta = paginate(items, 2, 4)
	assert.Equal(t, []int{5}, page)
	assert.False(t, meta.HasMore)

	page, meta = paginate(items, 2, 99)
	assert.Empty(t, page)
	assert.Equal(t, 99, meta.Offset)
	assert.False(t, meta.HasMore)

	page, _ = paginate([]int(nil), 10, 0)
	assert.Empty(t, page)
}

func TestQueryInt64(t *testing.T) {
	r := httptest.NewRequest("GET", "/retros?team_id=42", nil)
	v, err := queryInt64(r, "team_id")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, int64(42), *v)

	v, err = queryInt64(httptest.NewRequest("GET", "/retros", nil), "team_id")
	require.NoError(t, err)
	assert.Nil(t, v)

	for _, bad := range []string{"0", "-3", "x"} {
		_, err := queryInt64(httptest.NewRequest("GET", "/retros?team_id="+bad, nil), "team_id")
		assert.Error(t, err, bad)
	}
}
