package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmorgan81/pixelminer/internal/httpx"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/gorilla/websocket"
)

// Stream is the server's event stream. *websocket.Conn satisfies it.
type Stream interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type TimeoutError struct {
	JobID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s did not complete within %s", e.JobID, e.After)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ExecutionError is reported by the server when a node of our job failed.
type ExecutionError struct {
	JobID    string
	NodeID   string
	NodeType string
	Message  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s failed in node %s (%s): %s", e.JobID, e.NodeID, e.NodeType, e.Message)
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type executing struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type executionError struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
}

var errWaitCeiling = errors.New("completion wait ceiling reached")

// AwaitCompletion blocks until stream reports that jobID finished executing:
// an "executing" frame with no node for that prompt. Binary preview frames and
// frames about other prompts are skipped. On timeout or cancellation the
// stream is closed, as it can no longer be read from safely.
func (c *Client) AwaitCompletion(ctx context.Context, jobID string, stream Stream) error {
	log := log.FromContextOrDiscard(ctx).WithGroup("comfy").With("prompt_id", jobID)
	log.Info("waiting for completion", "timeout", c.Timeout)

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.Timeout, errWaitCeiling)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- wait(jobID, stream) }()

	select {
	case err := <-done:
		if err == nil {
			log.Info("job completed")
		}
		return err
	case <-ctx.Done():
		_ = stream.Close()
		<-done
		if errors.Is(context.Cause(ctx), errWaitCeiling) {
			return &TimeoutError{JobID: jobID, After: c.Timeout}
		}
		return ctx.Err()
	}
}

func wait(jobID string, stream Stream) error {
	for {
		kind, data, err := stream.ReadMessage()
		if err != nil {
			return &httpx.TransportError{Method: "READ", URL: "/ws", Err: err}
		}
		if kind != websocket.TextMessage {
			continue
		}
		done, err := completes(jobID, data)
		if err != nil || done {
			return err
		}
	}
}

// completes reports whether a text frame marks the end of jobID.
func completes(jobID string, data []byte) (bool, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case "executing":
		var e executing
		if err := json.Unmarshal(f.Data, &e); err != nil {
			return false, fmt.Errorf("decode executing frame: %w", err)
		}
		return (e.Node == nil || *e.Node == "") && e.PromptID == jobID, nil
	case "execution_error":
		var e executionError
		if err := json.Unmarshal(f.Data, &e); err != nil {
			return false, fmt.Errorf("decode execution_error frame: %w", err)
		}
		if e.PromptID == jobID {
			return false, &ExecutionError{JobID: jobID, NodeID: e.NodeID, NodeType: e.NodeType, Message: e.ExceptionMessage}
		}
	}
	return false, nil
}
