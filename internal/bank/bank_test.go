package bank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isucon/isucon8-final/internal/models"
)

func TestClient_Check(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"Success", 200, `{}`, nil},
		{"NoAccount", 404, `{"error":"bank_id not found"}`, models.ErrBankAccountNotFound},
		{"InsufficientCredit", 400, `{"error":"credit is insufficient"}`, models.ErrCreditInsufficient},
		{"UnknownError", 500, `{"error":"boom"}`, models.ErrBankUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth string
			var gotBody map[string]interface{}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
				require.Equal(t, "/check", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := New(srv.URL, "app-id")
			require.NoError(t, err)

			err = c.Check(context.Background(), "isucon-1001", 300)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantErr, errors.Cause(err))
			}
			assert.Equal(t, "Bearer app-id", gotAuth)
			assert.Equal(t, "isucon-1001", gotBody["bank_id"])
			assert.EqualValues(t, 300, gotBody["price"])
		})
	}
}

func TestClient_Reserve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "/reserve", r.URL.Path)
		if req["price"].(float64) < 0 && req["bank_id"] == "poor" {
			w.WriteHeader(400)
			w.Write([]byte(`{"error":"credit is insufficient"}`))
			return
		}
		w.Write([]byte(`{"reserve_id":41}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "app-id")
	require.NoError(t, err)

	id, err := c.Reserve(context.Background(), "isucon-1001", -500)
	require.NoError(t, err)
	assert.EqualValues(t, 41, id)

	_, err = c.Reserve(context.Background(), "poor", -500)
	assert.Equal(t, models.ErrCreditInsufficient, errors.Cause(err))
}

func TestClient_CommitAndCancel(t *testing.T) {
	var paths []string
	var gotIDs []interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		paths = append(paths, r.URL.Path)
		gotIDs = req["reserve_ids"].([]interface{})
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "app-id")
	require.NoError(t, err)

	require.NoError(t, c.Commit(context.Background(), []int64{1, 2, 3}))
	assert.Len(t, gotIDs, 3)
	require.NoError(t, c.Cancel(context.Background(), []int64{9}))
	assert.Len(t, gotIDs, 1)
	assert.Equal(t, []string{"/commit", "/cancel"}, paths)
}

func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // transport error on every call

	c, err := New(srv.URL, "app-id")
	require.NoError(t, err)

	err = c.Check(context.Background(), "isucon-1001", 1)
	assert.Equal(t, models.ErrBankUnavailable, errors.Cause(err))

	_, err = c.Reserve(context.Background(), "isucon-1001", -1)
	assert.Equal(t, models.ErrBankUnavailable, errors.Cause(err))
}
