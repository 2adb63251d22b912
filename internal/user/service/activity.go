package service

import (
	"context"
	"time"

	"ojforge/internal/model"
	"ojforge/internal/user/repository"
	"ojforge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder appends audit entries without ever failing the caller; a write
// error is logged and swallowed. A nil Recorder is a no-op, so auditing is
// strictly optional for its users.
type Recorder struct {
	repo repository.ActivityRepository
}

// NewRecorder wraps the activity repository.
func NewRecorder(repo repository.ActivityRepository) *Recorder {
	return &Recorder{repo: repo}
}

// Log writes one audit entry.
func (r *Recorder) Log(ctx context.Context, userID, action, detail string) {
	if r == nil || r.repo == nil {
		return
	}
	entry := &model.ActivityEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	if err := r.repo.Insert(ctx, entry); err != nil {
		logger.Warn(ctx, "activity write failed",
			zap.String("action", action),
			zap.Error(err))
	}
}

// Recent returns the newest entries, optionally scoped to one user.
func (r *Recorder) Recent(ctx context.Context, userID string, limit int) ([]*model.ActivityEntry, error) {
	if r == nil || r.repo == nil {
		return nil, nil
	}
	return r.repo.Recent(ctx, userID, limit)
}
