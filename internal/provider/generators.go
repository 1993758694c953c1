package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

type BackgroundRequest struct {
	ImageURL      string `json:"imageUrl"`
	BackgroundURL string `json:"backgroundUrl"`
	Prompt        string `json:"prompt"`
}

// BackgroundClient calls the synchronous background replacement API. This is
// the strictly concurrency-limited upstream; callers go through the serializer.
type BackgroundClient struct {
	c client
}

func NewBackgroundClient(cfg Config) *BackgroundClient {
	return &BackgroundClient{c: newClient(cfg)}
}

func (b *BackgroundClient) ReplaceBackground(ctx context.Context, req BackgroundRequest) (string, error) {
	var resp struct {
		ImageURL string `json:"imageUrl"`
	}
	if err := b.c.do(ctx, b.c.submitTimeout, http.MethodPost, "/replace-background", req, &resp); err != nil {
		return "", err
	}
	if resp.ImageURL == "" {
		return "", errors.New("replace-background: empty imageUrl in response")
	}
	return resp.ImageURL, nil
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

type TaskRequest struct {
	ImageURL string `json:"imageUrl"`
	Prompt   string `json:"prompt,omitempty"`
	Left     int    `json:"left,omitempty"`
	Right    int    `json:"right,omitempty"`
	Top      int    `json:"top,omitempty"`
	Bottom   int    `json:"bottom,omitempty"`
	Scale    int    `json:"scale,omitempty"`
}

type TaskResult struct {
	Status    TaskStatus `json:"status"`
	ResultURL string     `json:"resultUrl,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// TaskClient calls an asynchronous submit-then-poll API such as outpaint or
// upscale.
type TaskClient struct {
	c client
}

func NewTaskClient(cfg Config) *TaskClient {
	return &TaskClient{c: newClient(cfg)}
}

func (t *TaskClient) Submit(ctx context.Context, req TaskRequest) (string, error) {
	var resp struct {
		TaskID string `json:"taskId"`
	}
	if err := t.c.do(ctx, t.c.submitTimeout, http.MethodPost, "/tasks", req, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", errors.New("submit: empty taskId in response")
	}
	return resp.TaskID, nil
}

func (t *TaskClient) Poll(ctx context.Context, taskID string) (TaskResult, error) {
	var res TaskResult
	err := t.c.do(ctx, t.c.pollTimeout, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &res)
	return res, err
}
