package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMirror struct {
	mu   sync.Mutex
	seen []string
}

func (m *recordingMirror) Forward(ctx context.Context, evt Event, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, evt.Type)
	return nil
}

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewBus(nil, 8, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got atomic.Int32
	done := make(chan struct{})
	bus.Subscribe(LessonCompleted, func(ctx context.Context, evt Event) error {
		assert.Equal(t, "u1", evt.UserID)
		if got.Add(1) == 1 {
			close(done)
		}
		return nil
	})
	bus.Run(ctx)

	bus.Publish(ctx, Event{Type: LessonCompleted, UserID: "u1", CourseID: "c1"})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}
	bus.Close()
	assert.Equal(t, int32(1), got.Load())
}

func TestBus_HandlerFailureDoesNotStopOthers(t *testing.T) {
	bus := NewBus(nil, 8, 1)
	mirror := &recordingMirror{}
	bus.SetMirror(mirror)

	var second atomic.Bool
	bus.Subscribe(CertificateIssued, func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(CertificateIssued, func(ctx context.Context, evt Event) error {
		panic("handler panic")
	})
	bus.Subscribe(CertificateIssued, func(ctx context.Context, evt Event) error {
		second.Store(true)
		return nil
	})

	bus.Run(context.Background())
	bus.Publish(context.Background(), Event{Type: CertificateIssued})
	bus.Close()

	assert.True(t, second.Load())
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, []string{CertificateIssued}, mirror.seen)
}

func TestBus_PublishNeverBlocksWhenFull(t *testing.T) {
	bus := NewBus(nil, 1, 1)
	// 未启动 worker，队列只能容纳一个事件
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(context.Background(), Event{Type: EnrollmentChanged})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full queue")
	}
}

func TestBus_PublishAfterCloseIsDropped(t *testing.T) {
	bus := NewBus(nil, 4, 1)
	bus.Run(context.Background())
	bus.Close()

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Type: LessonCompleted})
	})
}
