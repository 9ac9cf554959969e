package session

import (
	"context"
	"testing"
	"time"

	"github.com/tarefev/calorimeter-backend/internal/models"
)

func TestCleanupRunOnce(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	user := newTestUser(t, db)

	expired, _ := store.Create(user.ID, models.ChannelWeb, -time.Minute)
	live, _ := store.Create(user.ID, models.ChannelWeb, time.Hour)

	job := NewCleanupJob(store, time.Hour, 30*24*time.Hour)
	job.runOnce()

	var count int64
	db.Model(&models.Session{}).Where("id = ?", expired.ID).Count(&count)
	if count != 0 {
		t.Error("expired session should be swept")
	}
	db.Model(&models.Session{}).Where("id = ?", live.ID).Count(&count)
	if count != 1 {
		t.Error("live session should remain")
	}
}

func TestCleanupRun_StopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	job := NewCleanupJob(NewStore(db), 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
