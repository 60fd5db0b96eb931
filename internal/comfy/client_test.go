package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dmorgan81/pixelminer/internal/httpx"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var graph = json.RawMessage(`{"9":{"class_type":"SaveImage","inputs":{}}}`)

func TestNewClientID(t *testing.T) {
	a, b := NewClientID(), NewClientID()
	assert.NotEqual(t, a, b)
	assert.Len(t, string(a), 36)
}

func TestRunEndToEnd(t *testing.T) {
	fake := newFakeServer(t)
	c := fake.client(5 * time.Second)

	outputs, err := c.run(context.Background(), graph)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, "5", outputs[0].NodeID)
	assert.Equal(t, "a.png", outputs[0].Ref.Filename)
	assert.Equal(t, "b.png", outputs[1].Ref.Filename)
	assert.Equal(t, fake.images["a.png"], outputs[0].Data)

	assert.False(t, fake.early.Load(), "history queried before completion frame")
	assert.Equal(t, "client-1", fake.wsClient)
	require.Len(t, fake.prompts, 1)
	assert.Equal(t, "client-1", fake.prompts[0]["client_id"])
	assert.Contains(t, fake.prompts[0]["prompt"], "9")
	assert.Equal(t, []string{"a.png||output", "b.png||output"}, fake.views)
}

func TestRunTimesOutWithoutCompletion(t *testing.T) {
	fake := newFakeServer(t)
	fake.frames = [][]byte{executingFrame("5", "abc123")}
	c := fake.client(50 * time.Millisecond)

	_, err := c.run(context.Background(), graph)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.False(t, fake.early.Load())
}

func TestFetchResults(t *testing.T) {
	fake := newFakeServer(t)
	fake.completed.Store(true)
	c := fake.client(0)

	results, err := c.FetchResults(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, [][]byte{fake.images["a.png"], fake.images["b.png"]}, results["5"])
}

func TestFetchResultsAbortsOnMissingImage(t *testing.T) {
	fake := newFakeServer(t)
	fake.completed.Store(true)
	delete(fake.images, "b.png")

	_, err := fake.client(0).FetchResults(context.Background(), "abc123")
	var statusErr *httpx.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestHistoryMissingJob(t *testing.T) {
	fake := newFakeServer(t)
	_, err := fake.client(0).History(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		message string
	}{
		{
			name: "invalid graph",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"type":"prompt_no_outputs","message":"Prompt has no outputs"},"node_errors":{}}`))
			},
			status:  http.StatusBadRequest,
			message: "Prompt has no outputs",
		},
		{
			name: "node errors",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"message":"Prompt outputs failed validation"},"node_errors":{"4":{"errors":[]}}}`))
			},
			status:  http.StatusBadRequest,
			message: `Prompt outputs failed validation: {"4":{"errors":[]}}`,
		},
		{
			name: "missing prompt id",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"number":1}`))
			},
			status:  http.StatusOK,
			message: "missing prompt_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()
			c := &Client{HTTP: server.Client(), Addr: strings.TrimPrefix(server.URL, "http://"), ClientID: "c"}

			_, err := c.Submit(context.Background(), graph)
			var subErr *SubmissionError
			require.ErrorAs(t, err, &subErr)
			assert.Equal(t, tt.status, subErr.StatusCode)
			assert.Equal(t, tt.message, subErr.Message)
		})
	}
}

func TestSubmitMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer server.Close()
	c := &Client{HTTP: server.Client(), Addr: strings.TrimPrefix(server.URL, "http://"), ClientID: "c"}

	_, err := c.Submit(context.Background(), graph)
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Error(t, subErr.Err)
}

func TestSubmitUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(server.URL, "http://")
	server.Close()
	c := &Client{HTTP: http.DefaultClient, Addr: addr, ClientID: "c"}

	_, err := c.Submit(context.Background(), graph)
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	var transportErr *httpx.TransportError
	assert.True(t, errors.As(err, &transportErr))
}

func TestSubmitReturnsJob(t *testing.T) {
	fake := newFakeServer(t)
	job, err := fake.client(0).Submit(context.Background(), graph)
	require.NoError(t, err)
	assert.Equal(t, Job{ID: "abc123", ClientID: "client-1"}, job)
}

func TestDialUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	c := &Client{Dialer: websocket.DefaultDialer, Addr: strings.TrimPrefix(server.URL, "http://"), ClientID: "c"}

	_, err := c.Dial(context.Background())
	var transportErr *httpx.TransportError
	assert.ErrorAs(t, err, &transportErr)
}

func TestUploadImage(t *testing.T) {
	fake := newFakeServer(t)
	ref, err := fake.client(0).UploadImage(context.Background(), "src.png", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, ImageRef{Filename: "src.png", Type: "input"}, ref)
	assert.Equal(t, []byte("png"), fake.uploads["src.png"])
}

func TestImageRefName(t *testing.T) {
	assert.Equal(t, "a.png", ImageRef{Filename: "a.png"}.Name())
	assert.Equal(t, "sub/a.png", ImageRef{Filename: "a.png", Subfolder: "sub"}.Name())
}

func TestByNodeID(t *testing.T) {
	assert.Equal(t, -1, byNodeID("9", "10"))
	assert.Equal(t, 1, byNodeID("100", "10"))
	assert.Equal(t, -1, byNodeID("a", "b"))
}
