package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"course_access_backend/pkg/monitoring"

	"go.uber.org/zap"
)

// 领域事件类型
const (
	LessonCompleted     = "lesson.completed"
	CertificateIssued   = "certificate.issued"
	EnrollmentActivated = "enrollment.activated"
	EnrollmentChanged   = "enrollment.changed"
)

type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	ActorID    string                 `json:"actorId,omitempty"`
	UserID     string                 `json:"userId,omitempty"`
	CourseID   string                 `json:"courseId,omitempty"`
	TargetID   string                 `json:"targetId,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

type Handler func(ctx context.Context, evt Event) error

// Publisher 业务代码只依赖发布接口，发布永不阻塞调用方
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Mirror 事件镜像（如 Redis 频道），失败只记录日志
type Mirror interface {
	Forward(ctx context.Context, evt Event, raw []byte) error
}

type Bus struct {
	log      *zap.Logger
	queue    chan Event
	workers  int
	mirror   Mirror
	mu       sync.RWMutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
	closeMu  sync.RWMutex
	closed   bool
	started  bool
}

func NewBus(log *zap.Logger, bufferSize, workers int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:      log.Named("events"),
		queue:    make(chan Event, bufferSize),
		workers:  workers,
		handlers: make(map[string][]Handler),
	}
}

func (b *Bus) SetMirror(m Mirror) {
	b.mirror = m
}

func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish 非阻塞入队，队列已满或已关闭时丢弃并计数
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	if evt.ID == "" {
		evt.ID = fmt.Sprintf("%s-%d", evt.Type, evt.OccurredAt.UnixNano())
	}

	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		monitoring.EventCounter.WithLabelValues(evt.Type, "dropped").Inc()
		b.log.Warn("event bus closed, dropping event", zap.String("type", evt.Type), zap.String("id", evt.ID))
		return
	}

	select {
	case b.queue <- evt:
		monitoring.EventCounter.WithLabelValues(evt.Type, "published").Inc()
	default:
		monitoring.EventCounter.WithLabelValues(evt.Type, "dropped").Inc()
		b.log.Warn("event queue full, dropping event", zap.String("type", evt.Type), zap.String("id", evt.ID))
	}
}

// Run 启动 worker，ctx 取消或 Close 后退出
func (b *Bus) Run(ctx context.Context) {
	b.closeMu.Lock()
	if b.started {
		b.closeMu.Unlock()
		return
	}
	b.started = true
	b.closeMu.Unlock()

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-b.queue:
					if !ok {
						return
					}
					b.dispatch(ctx, evt)
				}
			}
		}()
	}
}

// Close 停止接收新事件并等待队列中的事件处理完毕
func (b *Bus) Close() {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.closeMu.Unlock()
	b.wg.Wait()
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	if b.mirror != nil {
		if raw, err := json.Marshal(evt); err == nil {
			if err := b.mirror.Forward(ctx, evt, raw); err != nil {
				b.log.Warn("event mirror failed", zap.String("type", evt.Type), zap.Error(err))
			}
		}
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, evt)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.EventCounter.WithLabelValues(evt.Type, "failed").Inc()
			b.log.Error("event handler panic", zap.String("type", evt.Type), zap.Any("panic", r))
		}
	}()
	if err := h(ctx, evt); err != nil {
		monitoring.EventCounter.WithLabelValues(evt.Type, "failed").Inc()
		b.log.Warn("event handler failed", zap.String("type", evt.Type), zap.String("id", evt.ID), zap.Error(err))
		return
	}
	monitoring.EventCounter.WithLabelValues(evt.Type, "handled").Inc()
}
