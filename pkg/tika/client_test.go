package tika

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
)

func TestExtractText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "%PDF-1.4 fake", string(body))
		_, _ = w.Write([]byte("Mitosis is cell division."))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL, Timeout: time.Second})
	text, err := c.ExtractText(context.Background(), strings.NewReader("%PDF-1.4 fake"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "Mitosis is cell division.", text)
}

func TestExtractTextUnparseable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL, Timeout: time.Second})
	_, err := c.ExtractText(context.Background(), strings.NewReader("garbage"), "application/pdf")
	assert.ErrorIs(t, err, model.ErrUnsupportedFormat)
}

func TestExtractTextServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL, Timeout: time.Second})
	_, err := c.ExtractText(context.Background(), strings.NewReader("x"), "application/pdf")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrUnsupportedFormat)
}
