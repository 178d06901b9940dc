package progresssync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrRejected = errors.New("progresssync: checkpoint rejected by server")

type PushResult struct {
	// Applied 为 false 表示服务端已有更新的写入，本条被丢弃
	Applied        bool `json:"applied"`
	NewlyCompleted bool `json:"newlyCompleted"`
}

type RemoteLesson struct {
	Completed       bool    `json:"completed"`
	SeekPosition    float64 `json:"seekPosition"`
	ClientTimestamp int64   `json:"clientTimestamp"`
}

type RemoteProgress struct {
	CourseID       string                  `json:"courseId"`
	LastLessonID   string                  `json:"lastLessonId"`
	Percent        int                     `json:"percentComplete"`
	LessonProgress map[string]RemoteLesson `json:"lessonProgress"`
}

// Remote 远端进度文档，当前用户由会话决定
type Remote interface {
	Push(ctx context.Context, e Entry) (PushResult, error)
	Fetch(ctx context.Context, courseID string) (*RemoteProgress, error)
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type checkpointBody struct {
	CourseID        string  `json:"courseId"`
	LessonID        string  `json:"lessonId"`
	SeekPosition    float64 `json:"seekPosition"`
	Completed       bool    `json:"completed"`
	ClientTimestamp int64   `json:"clientTimestamp"`
}

// HTTPRemote 通过会话 cookie 调用进度接口
type HTTPRemote struct {
	client *resty.Client
}

func NewHTTPRemote(baseURL, cookieName, session string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetCookie(&http.Cookie{Name: cookieName, Value: session})
	return &HTTPRemote{client: client}
}

func (r *HTTPRemote) Push(ctx context.Context, e Entry) (PushResult, error) {
	var out envelope[PushResult]
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(checkpointBody{
			CourseID:        e.CourseID,
			LessonID:        e.LessonID,
			SeekPosition:    e.SeekPosition,
			Completed:       e.Completed,
			ClientTimestamp: e.Timestamp,
		}).
		SetResult(&out).
		Post("/api/progress/checkpoint")
	if err != nil {
		return PushResult{}, err
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return PushResult{}, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode())
	case resp.IsError():
		return PushResult{}, fmt.Errorf("push checkpoint: status %d", resp.StatusCode())
	}
	return out.Data, nil
}

func (r *HTTPRemote) Fetch(ctx context.Context, courseID string) (*RemoteProgress, error) {
	var out envelope[RemoteProgress]
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParam("courseId", courseID).
		SetResult(&out).
		Get("/api/progress/{courseId}")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch progress: status %d", resp.StatusCode())
	}
	return &out.Data, nil
}
