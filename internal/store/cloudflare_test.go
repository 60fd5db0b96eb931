package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeImages is an in-memory Cloudflare Images account.
type fakeImages struct {
	mu     sync.Mutex
	images map[string][]byte
	names  map[string]string
	next   int
}

func newFakeImages() *fakeImages {
	return &fakeImages{images: map[string][]byte{}, names: map[string]string{}}
}

func (f *fakeImages) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer token" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"errors":  []map[string]any{{"code": 10000, "message": "Authentication error"}},
		})
		return
	}

	const prefix = "/accounts/acct/images/v1"
	switch {
	case r.Method == http.MethodPost && r.URL.Path == prefix:
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		f.next++
		id := header.Filename + "-" + string(rune('0'+f.next))
		f.images[id] = data
		f.names[id] = header.Header.Get("Content-Type")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result": map[string]any{
				"id":       id,
				"variants": []string{"https://imagedelivery.net/hash/" + id + "/public"},
			},
		})
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, prefix+"/"):
		id := strings.TrimPrefix(r.URL.Path, prefix+"/")
		_, ok := f.images[id]
		delete(f.images, id)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": ok})
	default:
		http.NotFound(w, r)
	}
}

func newCloudflare(t *testing.T, handler http.Handler, token string) *CloudflareStager {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &CloudflareStager{Client: server.Client(), BaseURL: server.URL, AccountID: "acct", Token: token}
}

func TestCloudflareRoundTrip(t *testing.T) {
	fake := newFakeImages()
	stager := newCloudflare(t, fake, "token")
	ctx := context.Background()

	name, err := Identify(gradient(32, 32, 0))
	require.NoError(t, err)

	staged, err := stager.Stage(ctx, UploadParams{Name: name + ".png", Data: []byte("png"), ContentType: "image/png"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(staged.ID, name+".png"))
	assert.Contains(t, staged.URL, staged.ID)
	assert.Equal(t, "image/png", fake.names[staged.ID])

	ok, err := stager.Unstage(ctx, staged.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, fake.images)

	again, err := Identify(gradient(32, 32, 0))
	require.NoError(t, err)
	assert.Equal(t, name, again)
}

func TestCloudflareUnstageUnknown(t *testing.T) {
	stager := newCloudflare(t, newFakeImages(), "token")
	ok, err := stager.Unstage(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloudflareUploadFailure(t *testing.T) {
	stager := newCloudflare(t, newFakeImages(), "wrong")
	_, err := stager.Stage(context.Background(), UploadParams{Name: "x.png", Data: []byte("png")})

	var stagingErr *StagingError
	require.ErrorAs(t, err, &stagingErr)
	assert.Equal(t, []string{"10000: Authentication error"}, stagingErr.Errors)
}

func TestCloudflareMalformedResponse(t *testing.T) {
	stager := newCloudflare(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}), "token")
	_, err := stager.Stage(context.Background(), UploadParams{Name: "x.png", Data: []byte("png")})

	var stagingErr *StagingError
	require.ErrorAs(t, err, &stagingErr)
	assert.Error(t, stagingErr.Err)
}
