package detection

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSource_Next(t *testing.T) {
	var seq atomic.Int64
	seq.Store(4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "lot-a", payload["camera"])

		json.NewEncoder(w).Encode(map[string]any{
			"code": 0,
			"data": map[string]any{
				"frame": seq.Load(),
				"boxes": []map[string]any{{"x1": 1, "y1": 2, "x2": 30, "y2": 40, "confidence": 0.9, "label": "car"}},
			},
		})
	}))
	defer server.Close()

	src := NewHTTPSource(HTTPOptions{
		URL:     server.URL,
		Method:  http.MethodPost,
		Headers: map[string]string{"X-Api-Key": "secret"},
		Payload: map[string]any{"camera": "lot-a"},
	})
	defer src.Close()
	ctx := context.Background()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, f.Seq)
	require.Len(t, f.Boxes, 1)
	assert.Equal(t, 30.0, f.Boxes[0].X2)
	assert.False(t, f.CapturedAt.IsZero())

	// Same frame number again: nothing new.
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)

	seq.Store(5)
	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, f.Seq)

	require.NoError(t, src.Close())
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestHTTPSource_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name:    "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) },
		},
		{
			name: "application error code",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"code":3,"message":"camera offline"}`))
			},
		},
		{
			name:    "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{`)) },
		},
		{
			name:    "no content",
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
			wantErr: ErrNoFrame,
		},
		{
			name:    "empty data",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"code":0}`)) },
			wantErr: ErrNoFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			src := NewHTTPSource(HTTPOptions{URL: server.URL})
			_, err := src.Next(context.Background())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NotErrorIs(t, err, ErrNoFrame)
			}
		})
	}
}

func TestHTTPSource_PollInterval(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": map[string]any{"frame": n}})
	}))
	defer server.Close()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	src := NewHTTPSource(HTTPOptions{URL: server.URL, PollInterval: time.Second})
	src.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := src.Next(ctx)
	require.NoError(t, err)

	now = now.Add(500 * time.Millisecond)
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(time.Second)
	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Seq)
	assert.Equal(t, now, f.CapturedAt)
}
