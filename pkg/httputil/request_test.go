package httputil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{
			name:        "valid JSON",
			body:        `{"name": "test"}`,
			expectError: false,
		},
		{
			name:        "invalid JSON",
			body:        `{invalid}`,
			expectError: true,
		},
		{
			name:        "empty body",
			body:        "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			var dest map[string]string

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, "test", dest["name"])
			}
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(`{invalid}`))
	var dest map[string]string

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
}

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		name        string
		pathValue   string
		expectValue int64
		expectError bool
	}{
		{
			name:        "valid int64",
			pathValue:   "9223372036854775807",
			expectValue: 9223372036854775807,
			expectError: false,
		},
		{
			name:        "invalid int64",
			pathValue:   "abc",
			expectError: true,
		},
		{
			name:        "empty value",
			pathValue:   "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test/"+tt.pathValue, nil)
			req = mux.SetURLVars(req, map[string]string{"id": tt.pathValue})

			val, err := ParsePathInt64(req, "id")

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expectValue, val)
			}
		})
	}
}

func TestParsePathInt64OrError_Invalid(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test/abc", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "abc"})

	val, ok := ParsePathInt64OrError(w, req, "id")

	assert.False(t, ok)
	assert.Equal(t, int64(0), val)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathString(t *testing.T) {
	req := httptest.NewRequest("GET", "/test/students.view", nil)
	req = mux.SetURLVars(req, map[string]string{"permission": "students.view"})

	val, err := ParsePathString(req, "permission")

	assert.NoError(t, err)
	assert.Equal(t, "students.view", val)
}

func TestParseQueryInt64(t *testing.T) {
	req := httptest.NewRequest("GET", "/test?user_id=5", nil)

	val, err := ParseQueryInt64(req, "user_id", 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), val)

	val, err = ParseQueryInt64(httptest.NewRequest("GET", "/test", nil), "user_id", 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

func TestParseOptionalQueryInt64(t *testing.T) {
	val, err := ParseOptionalQueryInt64(httptest.NewRequest("GET", "/test", nil), "branch_id")
	assert.NoError(t, err)
	assert.Nil(t, val)

	val, err = ParseOptionalQueryInt64(httptest.NewRequest("GET", "/test?branch_id=3", nil), "branch_id")
	assert.NoError(t, err)
	if assert.NotNil(t, val) {
		assert.Equal(t, int64(3), *val)
	}

	_, err = ParseOptionalQueryInt64(httptest.NewRequest("GET", "/test?branch_id=x", nil), "branch_id")
	assert.Error(t, err)
}

func TestParseQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/test?filter=active", nil)
	assert.Equal(t, "active", ParseQueryString(req, "filter", "all"))

	req = httptest.NewRequest("GET", "/test", nil)
	assert.Equal(t, "all", ParseQueryString(req, "filter", "all"))
}

func TestRequireNonEmpty(t *testing.T) {
	w := httptest.NewRecorder()

	ok := RequireNonEmpty(w, "", "code")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "code is required")
}

func TestRequirePositive(t *testing.T) {
	w := httptest.NewRecorder()

	ok := RequirePositive(w, 0, "user_id")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "user_id must be positive")
}

// BenchmarkParseJSON benchmarks the ParseJSON function
func BenchmarkParseJSON(b *testing.B) {
	body, _ := json.Marshal(map[string]string{"name": "test"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/test", bytes.NewBuffer(body))
		var dest map[string]string
		ParseJSON(req, &dest)
	}
}
