package progresssync

import (
	"context"
	"errors"
	"sort"
	"sync"

	"course_access_backend/pkg/database"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("progresssync: entry not found")

// Entry 本地缓存的单节课状态，每个 (userId, lessonId) 至多一条
type Entry struct {
	UserID       string  `gorm:"primaryKey;size:64" json:"userId"`
	LessonID     string  `gorm:"primaryKey;size:64" json:"lessonId"`
	CourseID     string  `gorm:"size:64;index" json:"courseId"`
	SeekPosition float64 `json:"seekPosition"`
	Completed    bool    `gorm:"not null" json:"completed"`
	// Timestamp 本地记录时间（毫秒），作为 clientTimestamp 发送
	Timestamp int64 `json:"timestamp"`
	Synced    bool  `gorm:"not null;index" json:"synced"`
}

func (Entry) TableName() string {
	return "local_progress_entries"
}

// Store 本地持久化缓存，写入必须在返回前落盘
type Store interface {
	Get(ctx context.Context, userID, lessonID string) (*Entry, error)
	Put(ctx context.Context, e Entry) error
	// MarkSynced 仅当本地时间戳未变时标记，推送期间的新写入保持未同步
	MarkSynced(ctx context.Context, userID, lessonID string, timestamp int64) (bool, error)
	// Pending userID 为空时返回全部未同步条目
	Pending(ctx context.Context, userID string) ([]Entry, error)
	ListCourse(ctx context.Context, userID, courseID string) ([]Entry, error)
}

type SQLiteStore struct {
	DB *gorm.DB
}

// NewSQLiteStore 打开（或创建）本地 sqlite 文件，进程重启后条目仍在
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := database.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID, lessonID string) (*Entry, error) {
	var e Entry
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND lesson_id = ?", userID, lessonID).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "lesson_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"course_id", "seek_position", "completed", "timestamp", "synced"}),
	}).Create(&e).Error
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, userID, lessonID string, timestamp int64) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&Entry{}).
		Where("user_id = ? AND lesson_id = ? AND timestamp = ?", userID, lessonID, timestamp).
		Update("synced", true)
	return res.RowsAffected > 0, res.Error
}

func (s *SQLiteStore) Pending(ctx context.Context, userID string) ([]Entry, error) {
	q := s.DB.WithContext(ctx).Where("synced = ?", false)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var out []Entry
	err := q.Order("timestamp ASC").Find(&out).Error
	return out, err
}

func (s *SQLiteStore) ListCourse(ctx context.Context, userID, courseID string) ([]Entry, error) {
	var out []Entry
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND course_id = ?", userID, courseID).
		Order("lesson_id ASC").
		Find(&out).Error
	return out, err
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type entryKey struct {
	userID   string
	lessonID string
}

// MemoryStore 进程内实现，用于测试或不需要离线恢复的场景
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[entryKey]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[entryKey]Entry)}
}

func (m *MemoryStore) Get(_ context.Context, userID, lessonID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryKey{userID, lessonID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey{e.UserID, e.LessonID}] = e
	return nil
}

func (m *MemoryStore) MarkSynced(_ context.Context, userID, lessonID string, timestamp int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey{userID, lessonID}
	e, ok := m.entries[k]
	if !ok || e.Timestamp != timestamp {
		return false, nil
	}
	e.Synced = true
	m.entries[k] = e
	return true, nil
}

func (m *MemoryStore) Pending(_ context.Context, userID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if !e.Synced && (userID == "" || e.UserID == userID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (m *MemoryStore) ListCourse(_ context.Context, userID, courseID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.UserID == userID && e.CourseID == courseID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessonID < out[j].LessonID })
	return out, nil
}
