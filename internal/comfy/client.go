// Package comfy talks to a locally running ComfyUI server: it queues
// generation graphs, waits for them on the server's websocket and pulls the
// produced images back over HTTP.
package comfy

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"slices"
	"time"

	"github.com/dmorgan81/pixelminer/internal/httpx"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/do"
	"github.com/samber/lo"
)

var ErrNoHistory = errors.New("no history for job")

// ClientID identifies this process to the server; progress frames for our jobs
// are routed to the websocket opened with the same id.
type ClientID string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

type Job struct {
	ID       string
	ClientID ClientID
}

type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Name is how LoadImage nodes refer to an uploaded image.
func (r ImageRef) Name() string {
	if r.Subfolder == "" {
		return r.Filename
	}
	return path.Join(r.Subfolder, r.Filename)
}

type NodeOutput struct {
	Images []ImageRef `json:"images"`
}

type History struct {
	Outputs map[string]NodeOutput `json:"outputs"`
}

// Output is one image produced by a node.
type Output struct {
	NodeID string
	Ref    ImageRef
	Data   []byte
}

// SubmissionError is returned when a graph could not be queued.
type SubmissionError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("queue prompt: %v", e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("queue prompt: status %d: %s", e.StatusCode, e.Message)
	default:
		return "queue prompt: " + e.Message
	}
}

func (e *SubmissionError) Unwrap() error { return e.Err }

type Client struct {
	HTTP     *http.Client
	Dialer   *websocket.Dialer
	Addr     string
	ClientID ClientID
	// Timeout bounds AwaitCompletion; zero waits until the context ends.
	Timeout time.Duration
}

func NewClient(i *do.Injector) (*Client, error) {
	return &Client{
		HTTP:     do.MustInvoke[*http.Client](i),
		Dialer:   websocket.DefaultDialer,
		Addr:     do.MustInvokeNamed[string](i, "comfyui_addr"),
		ClientID: do.MustInvoke[ClientID](i),
		Timeout:  do.MustInvokeNamed[time.Duration](i, "comfyui_timeout"),
	}, nil
}

func (c *Client) url(p string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: c.Addr, Path: p, RawQuery: query.Encode()}
	return u.String()
}

// Dial opens the server's event stream for this client id.
func (c *Client) Dial(ctx context.Context) (Stream, error) {
	u := url.URL{Scheme: "ws", Host: c.Addr, Path: "/ws", RawQuery: url.Values{"clientId": {string(c.ClientID)}}.Encode()}
	conn, resp, err := c.Dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &httpx.TransportError{Method: "GET", URL: u.String(), Err: err}
	}
	return conn, nil
}

func (c *Client) Submit(ctx context.Context, graph json.RawMessage) (Job, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("comfy").With("client_id", c.ClientID)

	body, err := json.Marshal(struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID ClientID        `json:"client_id"`
	}{graph, c.ClientID})
	if err != nil {
		return Job{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/prompt", nil), bytes.NewReader(body))
	if err != nil {
		return Job{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpx.Do(c.HTTP, req)
	if err != nil {
		return Job{}, &SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	var out struct {
		PromptID string `json:"prompt_id"`
		Error    *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		NodeErrors json.RawMessage `json:"node_errors"`
	}
	if err := httpx.DecodeJSON(resp, &out); err != nil {
		return Job{}, &SubmissionError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK || out.PromptID == "" {
		msg := "missing prompt_id"
		if out.Error != nil {
			msg = out.Error.Message
		}
		if len(out.NodeErrors) > 0 && string(out.NodeErrors) != "{}" {
			msg += ": " + string(out.NodeErrors)
		}
		return Job{}, &SubmissionError{StatusCode: resp.StatusCode, Message: msg}
	}

	log.Info("queued prompt", "prompt_id", out.PromptID)
	return Job{ID: out.PromptID, ClientID: c.ClientID}, nil
}

func (c *Client) History(ctx context.Context, jobID string) (History, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/history/"+url.PathEscape(jobID), nil), nil)
	if err != nil {
		return History{}, err
	}

	resp, err := httpx.Do(c.HTTP, req)
	if err != nil {
		return History{}, err
	}
	defer resp.Body.Close()
	if err := httpx.CheckStatus(resp); err != nil {
		return History{}, err
	}

	var out map[string]History
	if err := httpx.DecodeJSON(resp, &out); err != nil {
		return History{}, err
	}
	history, ok := out[jobID]
	if !ok {
		return History{}, fmt.Errorf("%w %s", ErrNoHistory, jobID)
	}
	return history, nil
}

func (c *Client) View(ctx context.Context, ref ImageRef) ([]byte, error) {
	return httpx.Get(ctx, c.HTTP, c.url("/view", url.Values{
		"filename":  {ref.Filename},
		"subfolder": {ref.Subfolder},
		"type":      {ref.Type},
	}))
}

// byNodeID orders numeric node ids numerically and everything else lexically.
func byNodeID(a, b string) int {
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}

func (c *Client) fetch(ctx context.Context, jobID string) ([]Output, error) {
	log := log.FromContextOrDiscard(ctx).WithGroup("comfy").With("prompt_id", jobID)

	history, err := c.History(ctx, jobID)
	if err != nil {
		return nil, err
	}

	ids := lo.Keys(history.Outputs)
	slices.SortFunc(ids, byNodeID)

	var outputs []Output
	for _, id := range ids {
		for _, ref := range history.Outputs[id].Images {
			data, err := c.View(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("fetch %s from node %s: %w", ref.Filename, id, err)
			}
			outputs = append(outputs, Output{NodeID: id, Ref: ref, Data: data})
		}
	}
	log.Info("fetched outputs", "images", len(outputs))
	return outputs, nil
}

// FetchResults downloads every image of a finished job, grouped by node id in
// the order the server lists them. Only nodes that produced images appear.
func (c *Client) FetchResults(ctx context.Context, jobID string) (map[string][][]byte, error) {
	outputs, err := c.fetch(ctx, jobID)
	if err != nil {
		return nil, err
	}

	results := make(map[string][][]byte)
	for _, o := range outputs {
		results[o.NodeID] = append(results[o.NodeID], o.Data)
	}
	return results, nil
}

// UploadImage stores data in the server's input folder under name.
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) (ImageRef, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("image", name)
	if err != nil {
		return ImageRef{}, err
	}
	if _, err := part.Write(data); err != nil {
		return ImageRef{}, err
	}
	if err := form.WriteField("overwrite", "true"); err != nil {
		return ImageRef{}, err
	}
	if err := form.Close(); err != nil {
		return ImageRef{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/upload/image", nil), &body)
	if err != nil {
		return ImageRef{}, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := httpx.Do(c.HTTP, req)
	if err != nil {
		return ImageRef{}, err
	}
	defer resp.Body.Close()
	if err := httpx.CheckStatus(resp); err != nil {
		return ImageRef{}, err
	}

	var out struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	if err := httpx.DecodeJSON(resp, &out); err != nil {
		return ImageRef{}, err
	}
	return ImageRef{Filename: out.Name, Subfolder: out.Subfolder, Type: lo.Ternary(out.Type != "", out.Type, "input")}, nil
}

// run drives one job through Submitted, Awaiting, Complete and Fetched. The
// stream is opened before the graph is queued so the completion frame cannot
// be missed.
func (c *Client) run(ctx context.Context, graph json.RawMessage) ([]Output, error) {
	stream, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	job, err := c.Submit(ctx, graph)
	if err != nil {
		return nil, err
	}
	if err := c.AwaitCompletion(ctx, job.ID, stream); err != nil {
		return nil, err
	}
	return c.fetch(ctx, job.ID)
}
