package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"count": 3})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body["count"])
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, "bad input")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"bad input"}`, rec.Body.String())
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	err := DecodeJSON(httptest.NewRecorder(), req, &v, 1024)
	assert.Error(t, err)
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	var v map[string]string
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"`+strings.Repeat("a", 100)+`"}`))
	err := DecodeJSON(httptest.NewRecorder(), req, &v, 16)
	require.ErrorIs(t, err, ErrBodyTooLarge)

	rec := httptest.NewRecorder()
	WriteDecodeError(rec, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDecodeJSON_RejectsTrailingData(t *testing.T) {
	var v map[string]string
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"b"} {"c":"d"}`))
	err := DecodeJSON(httptest.NewRecorder(), req, &v, 1024)
	require.ErrorIs(t, err, ErrTrailingData)

	rec := httptest.NewRecorder()
	WriteDecodeError(rec, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecodeJSON_SingleValue(t *testing.T) {
	var v map[string]string
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{\"a\":\"b\"}\n"))
	require.NoError(t, DecodeJSON(httptest.NewRecorder(), req, &v, 1024))
	assert.Equal(t, "b", v["a"])
}
