package progresssync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"course_access_backend/pkg/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("network unreachable")

type fakeRemote struct {
	mu      sync.Mutex
	offline bool
	pushed  []Entry
	lessons map[string]RemoteLesson
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{lessons: make(map[string]RemoteLesson)}
}

func (r *fakeRemote) setOffline(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = v
}

func (r *fakeRemote) Push(_ context.Context, e Entry) (PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return PushResult{}, errOffline
	}
	r.pushed = append(r.pushed, e)
	cur, ok := r.lessons[e.LessonID]
	if ok && e.Timestamp < cur.ClientTimestamp {
		// 与服务端一致：过期写入丢弃位置，但完成标记照常合并
		if e.Completed && !cur.Completed {
			cur.Completed = true
			r.lessons[e.LessonID] = cur
			return PushResult{Applied: false, NewlyCompleted: true}, nil
		}
		return PushResult{Applied: false}, nil
	}
	r.lessons[e.LessonID] = RemoteLesson{
		Completed:       e.Completed || cur.Completed,
		SeekPosition:    e.SeekPosition,
		ClientTimestamp: e.Timestamp,
	}
	return PushResult{Applied: true, NewlyCompleted: e.Completed && !cur.Completed}, nil
}

func (r *fakeRemote) Fetch(_ context.Context, courseID string) (*RemoteProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, errOffline
	}
	out := &RemoteProgress{CourseID: courseID, LessonProgress: make(map[string]RemoteLesson)}
	for k, v := range r.lessons {
		out.LessonProgress[k] = v
	}
	return out, nil
}

func (r *fakeRemote) pushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushed)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestSyncer_OfflineCheckpointSurvivesRestartAndSyncsLater(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "progress.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	remote := newFakeRemote()
	remote.setOffline(true)

	syncer := NewSyncer(store, remote, WithClock(fixedClock(time.Unix(1700000000, 0))))
	_, err = syncer.RecordCheckpoint(ctx, "u1", "c1", "l1", 42.5, false)
	require.NoError(t, err)
	syncer.Close()

	got, err := store.Get(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.False(t, got.Synced)
	assert.Equal(t, 42.5, got.SeekPosition)
	require.NoError(t, store.Close())

	// 模拟进程重启
	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	remote.setOffline(false)
	syncer = NewSyncer(store, remote)

	require.NoError(t, syncer.TriggerSync(ctx, "u1", "l1"))

	got, err = store.Get(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.True(t, got.Synced)
	assert.Equal(t, 42.5, got.SeekPosition)
	assert.Equal(t, 42.5, remote.lessons["l1"].SeekPosition)
}

func TestSyncer_TriggerSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	remote := newFakeRemote()
	remote.setOffline(true)
	syncer := NewSyncer(store, remote)

	_, err := syncer.RecordCheckpoint(ctx, "u1", "c1", "l1", 10, false)
	require.NoError(t, err)
	syncer.Close()
	remote.setOffline(false)

	require.NoError(t, syncer.TriggerSync(ctx, "u1", "l1"))
	require.NoError(t, syncer.TriggerSync(ctx, "u1", "l1"))
	assert.Equal(t, 1, remote.pushCount())
}

func TestSyncer_RecordCheckpointKeepsCompletionAndMonotonicTimestamp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	remote := newFakeRemote()
	remote.setOffline(true)
	frozen := time.Unix(1700000000, 0)
	syncer := NewSyncer(store, remote, WithClock(func() time.Time { return frozen }))
	defer syncer.Close()

	first, err := syncer.RecordCheckpoint(ctx, "u1", "c1", "l1", 100, true)
	require.NoError(t, err)
	second, err := syncer.RecordCheckpoint(ctx, "u1", "c1", "l1", 5, false)
	require.NoError(t, err)

	assert.True(t, second.Completed)
	assert.Equal(t, 5.0, second.SeekPosition)
	assert.Greater(t, second.Timestamp, first.Timestamp)
}

func TestSyncer_BackgroundPushMarksSyncedAndSignalsCompletion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	remote := newFakeRemote()
	pub := &capturePublisher{}
	syncer := NewSyncer(store, remote, WithPublisher(pub))

	_, err := syncer.RecordCheckpoint(ctx, "u1", "c1", "l1", 300, true)
	require.NoError(t, err)
	syncer.Close()

	got, err := store.Get(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.True(t, got.Synced)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.LessonCompleted, pub.events[0].Type)
	assert.Equal(t, "c1", pub.events[0].CourseID)
	assert.Equal(t, "l1", pub.events[0].TargetID)
}

func TestSyncer_LateCompletedPushStillSignalsCompletion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	remote := newFakeRemote()
	start := time.Unix(1700000000, 0)
	// 另一台设备时钟更快，远端已有更新的位置
	remote.lessons["l1"] = RemoteLesson{SeekPosition: 50, ClientTimestamp: start.Add(time.Hour).UnixMilli()}
	pub := &capturePublisher{}
	syncer := NewSyncer(store, remote, WithPublisher(pub), WithClock(fixedClock(start)))

	_, err := syncer.RecordCheckpoint(ctx, "u1", "c1", "l1", 600, true)
	require.NoError(t, err)
	syncer.Close()

	got, err := store.Get(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.True(t, got.Synced)

	assert.True(t, remote.lessons["l1"].Completed)
	assert.Equal(t, 50.0, remote.lessons["l1"].SeekPosition)
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.LessonCompleted, pub.events[0].Type)
}

func TestSyncer_RecordAfterCloseStaysPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	remote := newFakeRemote()
	syncer := NewSyncer(store, remote)
	syncer.Close()

	_, err := syncer.RecordCheckpoint(ctx, "u1", "c1", "l1", 12, false)
	require.NoError(t, err)
	syncer.Close()

	got, err := store.Get(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.False(t, got.Synced)
	assert.Equal(t, 0, remote.pushCount())

	report, err := syncer.FlushPending(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
}

func TestSyncer_FlushPendingReportsPerEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	remote := newFakeRemote()
	remote.setOffline(true)
	syncer := NewSyncer(store, remote, WithClock(fixedClock(time.Unix(1700000000, 0))))

	for _, l := range []string{"l1", "l2", "l3"} {
		_, err := syncer.RecordCheckpoint(ctx, "u1", "c1", l, 1, false)
		require.NoError(t, err)
	}
	syncer.Close()

	report, err := syncer.FlushPending(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, FlushReport{Attempted: 3, Synced: 0, Failed: 3}, report)

	remote.setOffline(false)
	report, err = syncer.FlushPending(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, FlushReport{Attempted: 3, Synced: 3}, report)

	pending, err := store.Pending(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncer_ReconcileRemoteWinsExceptNewerUnsynced(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	remote := newFakeRemote()
	remote.lessons["l1"] = RemoteLesson{Completed: true, SeekPosition: 600, ClientTimestamp: 5000}
	remote.lessons["l2"] = RemoteLesson{SeekPosition: 30, ClientTimestamp: 5000}

	// l1 本地已同步但过期，l2 本地未同步且更新
	require.NoError(t, store.Put(ctx, Entry{UserID: "u1", CourseID: "c1", LessonID: "l1", SeekPosition: 10, Timestamp: 1000, Synced: true}))
	require.NoError(t, store.Put(ctx, Entry{UserID: "u1", CourseID: "c1", LessonID: "l2", SeekPosition: 90, Timestamp: 9000}))

	syncer := NewSyncer(store, remote)
	defer syncer.Close()

	report, err := syncer.Reconcile(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Pulled: 1, KeptLocal: 1, Pushed: 1}, report)

	l1, err := store.Get(ctx, "u1", "l1")
	require.NoError(t, err)
	assert.True(t, l1.Completed)
	assert.Equal(t, 600.0, l1.SeekPosition)

	l2, err := store.Get(ctx, "u1", "l2")
	require.NoError(t, err)
	assert.True(t, l2.Synced)
	assert.Equal(t, 90.0, remote.lessons["l2"].SeekPosition)
}

func TestSQLiteStore_MarkSyncedRequiresSameTimestamp(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put(ctx, Entry{UserID: "u1", CourseID: "c1", LessonID: "l1", Timestamp: 10}))
	require.NoError(t, store.Put(ctx, Entry{UserID: "u1", CourseID: "c1", LessonID: "l1", Timestamp: 11, SeekPosition: 3}))

	ok, err := store.MarkSynced(ctx, "u1", "l1", 10)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkSynced(ctx, "u1", "l1", 11)
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := store.ListCourse(ctx, "u1", "c1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3.0, entries[0].SeekPosition)
}

func TestHTTPRemote_PushSendsSessionCookie(t *testing.T) {
	var gotCookie string
	var gotBody checkpointBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/progress/checkpoint":
			if c, err := r.Cookie("session"); err == nil {
				gotCookie = c.Value
			}
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"code":200,"message":"success","data":{"applied":true,"newlyCompleted":true}}`))
		case "/api/progress/c1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"code":200,"message":"success","data":{"courseId":"c1","percentComplete":50,"lessonProgress":{"l1":{"completed":true,"seekPosition":12,"clientTimestamp":7}}}}`))
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, "session", "token-1", time.Second)
	res, err := remote.Push(context.Background(), Entry{UserID: "u1", CourseID: "c1", LessonID: "l1", SeekPosition: 12, Completed: true, Timestamp: 7})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, "token-1", gotCookie)
	assert.Equal(t, int64(7), gotBody.ClientTimestamp)

	progress, err := remote.Fetch(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 50, progress.Percent)
	assert.True(t, progress.LessonProgress["l1"].Completed)
}

func TestHTTPRemote_ForbiddenIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, "session", "expired", time.Second)
	_, err := remote.Push(context.Background(), Entry{UserID: "u1", CourseID: "c1", LessonID: "l1"})
	assert.ErrorIs(t, err, ErrRejected)
}
