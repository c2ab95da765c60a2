package degree

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"chiller/backend/internal/apperr"
	"chiller/backend/internal/metrics"
	"chiller/backend/internal/models"
)

const maxErrorLength = 1024

// enqueue records subject for a later repair pass. When the queue itself
// cannot be written the subject is kept in memory until the next pass.
func (m *Materializer) enqueue(ctx context.Context, subject string, cause error) {
	msg := truncate(cause.Error())
	now := time.Now().UTC()

	err := m.db.WithContext(context.WithoutCancel(ctx)).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}},
		DoUpdates: clause.Assignments(map[string]any{"last_error": msg, "updated_at": now}),
	}).Create(&models.DegreeRepair{
		SubjectID:  subject,
		LastError:  msg,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}).Error
	if err != nil {
		m.fallbackMu.Lock()
		m.fallback[subject] = msg
		m.fallbackMu.Unlock()
		m.logger.Error("repair queue unavailable, holding subject in memory", "subject", subject, "error", err)
		return
	}
	m.logger.Warn("degree recompute queued for repair", "subject", subject, "cause", msg)
}

// dequeue removes subject from the queue and the in-memory fallback.
func (m *Materializer) dequeue(ctx context.Context, subject string) {
	m.fallbackMu.Lock()
	delete(m.fallback, subject)
	m.fallbackMu.Unlock()

	if err := m.db.WithContext(ctx).Where("subject_id = ?", subject).Delete(&models.DegreeRepair{}).Error; err != nil {
		m.logger.Warn("failed to dequeue repaired subject", "subject", subject, "error", err)
	}
}

// recordAttempt bumps the attempt counter of a subject that failed again.
func (m *Materializer) recordAttempt(ctx context.Context, repair models.DegreeRepair, cause error) {
	err := m.db.WithContext(ctx).Model(&models.DegreeRepair{}).
		Where("subject_id = ?", repair.SubjectID).
		Updates(map[string]any{
			"attempts":   repair.Attempts + 1,
			"last_error": truncate(cause.Error()),
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		m.logger.Warn("failed to record repair attempt", "subject", repair.SubjectID, "error", err)
	}
}

// PendingRepairs lists the queued subjects, oldest first, including the
// ones only held in memory.
func (m *Materializer) PendingRepairs(ctx context.Context) ([]models.DegreeRepair, error) {
	var repairs []models.DegreeRepair
	if err := m.db.WithContext(ctx).Order("enqueued_at ASC, subject_id ASC").Find(&repairs).Error; err != nil {
		return nil, apperr.Unavailable("load repair queue", err)
	}

	queued := make(map[string]bool, len(repairs))
	for _, r := range repairs {
		queued[r.SubjectID] = true
	}

	m.fallbackMu.Lock()
	for subject, msg := range m.fallback {
		if !queued[subject] {
			repairs = append(repairs, models.DegreeRepair{SubjectID: subject, LastError: msg})
		}
	}
	m.fallbackMu.Unlock()

	metrics.RepairQueueDepth.Set(float64(len(repairs)))
	return repairs, nil
}

func (m *Materializer) fallbackSubjects() []string {
	m.fallbackMu.Lock()
	defer m.fallbackMu.Unlock()
	subjects := make([]string, 0, len(m.fallback))
	for s := range m.fallback {
		subjects = append(subjects, s)
	}
	return subjects
}

func truncate(s string) string {
	if len(s) > maxErrorLength {
		return s[:maxErrorLength]
	}
	return s
}
