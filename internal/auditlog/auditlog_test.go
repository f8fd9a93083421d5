package auditlog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Send(t *testing.T) {
	var gotAuth string
	var gotEntry Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/send", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEntry))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	l, err := New(srv.URL, "app-id")
	require.NoError(t, err)

	err = l.Send(context.Background(), "buy.order", map[string]interface{}{"order_id": 7})
	require.NoError(t, err)
	assert.Equal(t, "Bearer app-id", gotAuth)
	assert.Equal(t, "buy.order", gotEntry.Tag)
	assert.False(t, gotEntry.Time.IsZero())
}

func TestLogger_SendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l, err := New(srv.URL, "app-id")
	require.NoError(t, err)

	assert.Error(t, l.Send(context.Background(), "trade", nil))
	// Record swallows the same failure
	l.Record(context.Background(), "trade", nil)
}

func TestLogger_NilRecord(t *testing.T) {
	var l *Logger
	l.Record(context.Background(), "signup", nil) // must not panic
}
