package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutSubscription_InvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler := NewHandler(Deps{})
	r.PUT("/api/subscriptions", handler.PutSubscription)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("PUT", "/api/subscriptions", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "alice", "0")
	endpoint := "https://push.example.com/send/abc"

	w := env.do(t, http.MethodPut, "/api/subscriptions", gin.H{
		"endpoint": endpoint, "p256dh": "key", "auth": "secret", "username": "ghost",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/api/subscriptions", gin.H{
		"endpoint": endpoint, "p256dh": "key", "auth": "secret", "username": "alice",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/subscriptions?endpoint="+endpoint, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decodeBody(t, w)["username"])

	w = env.do(t, http.MethodGet, "/api/subscriptions?endpoint="+url.QueryEscape("https://other"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/subscriptions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/api/subscriptions", gin.H{"endpoint": endpoint})
	assert.Equal(t, http.StatusNoContent, w.Code)

	subs, err := env.store.ListSubscriptions(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
