package comfy

import (
	"bytes"
	"encoding/json"
	"errors"
	goimage "image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func pngOf(w, h int) []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, goimage.NewRGBA(goimage.Rect(0, 0, w, h)))
	return buf.Bytes()
}

func executingFrame(node any, promptID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "executing",
		"data": map[string]any{"node": node, "prompt_id": promptID},
	})
	return b
}

// fakeServer is a minimal ComfyUI: it queues one prompt, replays scripted
// frames on the websocket and serves history and view for it.
type fakeServer struct {
	t        *testing.T
	server   *httptest.Server
	jobID    string
	frames   [][]byte
	history  map[string]any
	images   map[string][]byte
	upgrader websocket.Upgrader

	queued    chan struct{}
	queueOnce sync.Once
	completed atomic.Bool
	early     atomic.Bool

	mu       sync.Mutex
	prompts  []map[string]any
	uploads  map[string][]byte
	views    []string
	wsClient string
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		t:     t,
		jobID: "abc123",
		frames: [][]byte{
			[]byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":1}}}}`),
			executingFrame("5", "abc123"),
			nil, // binary preview
			executingFrame(nil, "other"),
			executingFrame(nil, "abc123"),
		},
		history: map[string]any{
			"abc123": map[string]any{
				"outputs": map[string]any{
					"5": map[string]any{"images": []map[string]any{
						{"filename": "a.png", "subfolder": "", "type": "output"},
						{"filename": "b.png", "subfolder": "", "type": "output"},
					}},
					"7": map[string]any{"text": []string{"ignored"}},
				},
			},
		},
		images:  map[string][]byte{"a.png": pngOf(512, 512), "b.png": pngOf(512, 512)},
		queued:  make(chan struct{}),
		uploads: map[string][]byte{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", f.prompt)
	mux.HandleFunc("/ws", f.ws)
	mux.HandleFunc("/history/", f.historyHandler)
	mux.HandleFunc("/view", f.view)
	mux.HandleFunc("/upload/image", f.upload)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeServer) addr() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func (f *fakeServer) client(timeout time.Duration) *Client {
	return &Client{
		HTTP:     f.server.Client(),
		Dialer:   websocket.DefaultDialer,
		Addr:     f.addr(),
		ClientID: "client-1",
		Timeout:  timeout,
	}
}

func (f *fakeServer) prompt(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, body)
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": f.jobID, "number": 1, "node_errors": map[string]any{}})
	f.queueOnce.Do(func() { close(f.queued) })
}

func (f *fakeServer) ws(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	f.wsClient = r.URL.Query().Get("clientId")
	f.mu.Unlock()

	select {
	case <-f.queued:
	case <-time.After(5 * time.Second):
		return
	}
	for _, frame := range f.frames {
		if frame == nil {
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 1, 0xff}); err != nil {
				return
			}
			continue
		}
		if bytes.Contains(frame, []byte(`"node":null,"prompt_id":"`+f.jobID+`"`)) {
			f.completed.Store(true)
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	// hold the stream open until the client hangs up
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *fakeServer) historyHandler(w http.ResponseWriter, r *http.Request) {
	if !f.completed.Load() {
		f.early.Store(true)
	}
	id := strings.TrimPrefix(r.URL.Path, "/history/")
	if _, ok := f.history[id]; !ok {
		_, _ = w.Write([]byte(`{}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{id: f.history[id]})
}

func (f *fakeServer) view(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	f.views = append(f.views, q.Get("filename")+"|"+q.Get("subfolder")+"|"+q.Get("type"))
	f.mu.Unlock()
	data, ok := f.images[q.Get("filename")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func (f *fakeServer) upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, _ := io.ReadAll(file)
	assert.Equal(f.t, "true", r.FormValue("overwrite"))
	f.mu.Lock()
	f.uploads[header.Filename] = data
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"name": header.Filename, "subfolder": "", "type": "input"})
}

type fakeFrame struct {
	kind int
	data []byte
}

// fakeStream replays frames and then blocks until closed.
type fakeStream struct {
	frames []fakeFrame
	pos    int
	closed chan struct{}
	once   sync.Once
}

func newFakeStream(frames ...fakeFrame) *fakeStream {
	return &fakeStream{frames: frames, closed: make(chan struct{})}
}

func (s *fakeStream) ReadMessage() (int, []byte, error) {
	if s.pos < len(s.frames) {
		f := s.frames[s.pos]
		s.pos++
		return f.kind, f.data, nil
	}
	<-s.closed
	return 0, nil, errors.New("use of closed connection")
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func text(data []byte) fakeFrame { return fakeFrame{websocket.TextMessage, data} }

func binary() fakeFrame { return fakeFrame{websocket.BinaryMessage, []byte{1, 2, 3}} }
