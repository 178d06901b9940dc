package progresssync

import (
	"context"
	"errors"
	"sync"
	"time"

	"course_access_backend/pkg/events"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPushTimeout = 15 * time.Second

// Syncer 先写本地缓存，再异步推送到远端；远端进度为准
type Syncer struct {
	store     Store
	remote    Remote
	log       *zap.Logger
	publisher events.Publisher
	now       func() time.Time
	timeout   time.Duration

	writeMu sync.Mutex

	// lifeMu 保护 closed 与 inflight.Add，Close 之后不会再有新的推送协程
	lifeMu   sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

type Option func(*Syncer)

func WithLogger(log *zap.Logger) Option {
	return func(s *Syncer) { s.log = log.Named("progresssync") }
}

// WithPublisher 课时完成并推送成功后发出 lesson.completed 事件
func WithPublisher(p events.Publisher) Option {
	return func(s *Syncer) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

func WithPushTimeout(d time.Duration) Option {
	return func(s *Syncer) { s.timeout = d }
}

func NewSyncer(store Store, remote Remote, opts ...Option) *Syncer {
	s := &Syncer{
		store:   store,
		remote:  remote,
		log:     zap.NewNop(),
		now:     time.Now,
		timeout: defaultPushTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordCheckpoint 本地写入完成后返回，推送在后台进行且失败不向调用方报错。
// 只有本地存储失败才返回 error。
func (s *Syncer) RecordCheckpoint(ctx context.Context, userID, courseID, lessonID string, seekPosition float64, completed bool) (Entry, error) {
	s.writeMu.Lock()
	prev, err := s.store.Get(ctx, userID, lessonID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.writeMu.Unlock()
		return Entry{}, err
	}

	e := Entry{
		UserID:       userID,
		CourseID:     courseID,
		LessonID:     lessonID,
		SeekPosition: seekPosition,
		Completed:    completed,
		Timestamp:    s.now().UnixMilli(),
	}
	if prev != nil {
		// 完成状态不可回退
		e.Completed = e.Completed || prev.Completed
		// 同一毫秒内的连续写入也要严格递增，服务端按时间戳丢弃旧写入
		if e.Timestamp <= prev.Timestamp {
			e.Timestamp = prev.Timestamp + 1
		}
	}
	err = s.store.Put(ctx, e)
	s.writeMu.Unlock()
	if err != nil {
		return Entry{}, err
	}

	s.pushAsync(userID, lessonID)
	return e, nil
}

func (s *Syncer) pushAsync(userID, lessonID string) {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		// 已关闭：条目保持未同步，等待下次 FlushPending
		return
	}
	s.inflight.Add(1)
	s.lifeMu.Unlock()

	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.push(ctx, userID, lessonID); err != nil {
			s.log.Warn("background checkpoint push failed, will retry later",
				zap.String("userId", userID),
				zap.String("lessonId", lessonID),
				zap.Error(err))
		}
	}()
}

// TriggerSync 立即推送指定条目（暂停、离开页面、手动完成时调用）。
// 重复推送同一状态对远端是幂等的。
func (s *Syncer) TriggerSync(ctx context.Context, userID, lessonID string) error {
	return s.push(ctx, userID, lessonID)
}

func (s *Syncer) push(ctx context.Context, userID, lessonID string) error {
	e, err := s.store.Get(ctx, userID, lessonID)
	if err != nil {
		return err
	}
	if e.Synced {
		return nil
	}

	res, err := s.remote.Push(ctx, *e)
	if err != nil {
		return err
	}

	// 服务端丢弃了旧的播放位置时同样视为已同步：完成标记仍会被服务端合并
	if _, err := s.store.MarkSynced(ctx, userID, lessonID, e.Timestamp); err != nil {
		return err
	}

	if e.Completed && (res.Applied || res.NewlyCompleted) {
		s.signalCompleted(ctx, *e)
	}
	return nil
}

func (s *Syncer) signalCompleted(ctx context.Context, e Entry) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(ctx, events.Event{
		ID:         uuid.NewString(),
		Type:       events.LessonCompleted,
		ActorID:    e.UserID,
		UserID:     e.UserID,
		CourseID:   e.CourseID,
		TargetID:   e.LessonID,
		OccurredAt: s.now(),
	})
}

type FlushReport struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// FlushPending 重试所有未同步条目，单条失败不影响其余条目
func (s *Syncer) FlushPending(ctx context.Context, userID string) (FlushReport, error) {
	var report FlushReport
	pending, err := s.store.Pending(ctx, userID)
	if err != nil {
		return report, err
	}
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		if err := s.push(ctx, e.UserID, e.LessonID); err != nil {
			report.Failed++
			s.log.Warn("flush pending checkpoint failed",
				zap.String("userId", e.UserID),
				zap.String("lessonId", e.LessonID),
				zap.Error(err))
			continue
		}
		report.Synced++
	}
	return report, nil
}

type ReconcileReport struct {
	Pulled    int `json:"pulled"`
	KeptLocal int `json:"keptLocal"`
	Pushed    int `json:"pushed"`
}

// Reconcile 拉取远端课程进度覆盖本地缓存。
// 只有比远端更新且尚未同步的本地条目会保留，并随后推送。
func (s *Syncer) Reconcile(ctx context.Context, userID, courseID string) (ReconcileReport, error) {
	var report ReconcileReport
	remote, err := s.remote.Fetch(ctx, courseID)
	if err != nil {
		return report, err
	}

	s.writeMu.Lock()
	for lessonID, state := range remote.LessonProgress {
		local, err := s.store.Get(ctx, userID, lessonID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.writeMu.Unlock()
			return report, err
		}
		if local != nil && !local.Synced && local.Timestamp > state.ClientTimestamp {
			report.KeptLocal++
			continue
		}
		if err := s.store.Put(ctx, Entry{
			UserID:       userID,
			CourseID:     courseID,
			LessonID:     lessonID,
			SeekPosition: state.SeekPosition,
			Completed:    state.Completed,
			Timestamp:    state.ClientTimestamp,
			Synced:       true,
		}); err != nil {
			s.writeMu.Unlock()
			return report, err
		}
		report.Pulled++
	}
	s.writeMu.Unlock()

	entries, err := s.store.ListCourse(ctx, userID, courseID)
	if err != nil {
		return report, err
	}
	for _, e := range entries {
		if e.Synced {
			continue
		}
		if err := s.push(ctx, userID, e.LessonID); err != nil {
			s.log.Warn("reconcile push failed",
				zap.String("lessonId", e.LessonID),
				zap.Error(err))
			continue
		}
		report.Pushed++
	}
	return report, nil
}

// Close 停止接收新的后台推送并等待进行中的推送结束
func (s *Syncer) Close() {
	s.lifeMu.Lock()
	s.closed = true
	s.lifeMu.Unlock()
	s.inflight.Wait()
}
