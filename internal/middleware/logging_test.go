package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogMiddlewareRecordsStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := LogMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/games/ABCDE", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, http.StatusTeapot, entry.Data["status"])
	assert.Equal(t, "/games/ABCDE", entry.Data["path"])
	assert.Equal(t, logrus.InfoLevel, entry.Level)
}

func TestLogMiddlewareWarnsOnServerError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := LogMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/games", nil))

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}
