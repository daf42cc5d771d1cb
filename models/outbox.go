package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkflowEventRecord implements a transactional outbox: the row is
// written inside the transition's DB transaction but is NOT published to
// Pub/Sub there. Publishing is performed asynchronously by the outbox
// dispatcher after commit.
type WorkflowEventRecord struct {
	ID            int            `gorm:"primary_key" json:"id"`
	ApplicationId int            `gorm:"index;not null" json:"application_id"`
	FromStatus    WorkflowStatus `gorm:"size:30;not null" json:"from_status"`
	ToStatus      WorkflowStatus `gorm:"size:30;not null" json:"to_status"`
	ActorId       int            `gorm:"not null" json:"actor_id"`
	ActorRole     UserRole       `gorm:"size:20" json:"actor_role"`
	OccurredAt    time.Time      `gorm:"not null" json:"occurred_at"`
	CorrelationId string         `gorm:"size:64" json:"correlation_id"`

	PublishStatus    OutboxPublishStatus `gorm:"size:20;index;not null;default:'PENDING'" json:"publish_status"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `json:"next_attempt_at"`
	LockedAt         *time.Time          `json:"locked_at"`
	LockedBy         *string             `gorm:"size:64" json:"locked_by"`
	LastPublishError *string             `gorm:"size:1024" json:"last_publish_error"`
	PublishedAt      *time.Time          `json:"published_at"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
}

// EnqueueWorkflowEvent writes the outbox row inside the caller's
// transaction. Must be called before the transition commits so the event
// and the status change are atomic.
func EnqueueWorkflowEvent(ctx context.Context, tx *gorm.DB, application *LoanApplication, from WorkflowStatus, to WorkflowStatus, actorId int, actorRole UserRole) error {
	record := WorkflowEventRecord{
		ApplicationId: application.ID,
		FromStatus:    from,
		ToStatus:      to,
		ActorId:       actorId,
		ActorRole:     actorRole,
		OccurredAt:    time.Now().UTC(),
		CorrelationId: correlationIdFromContextOrNew(ctx),
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.WithContext(ctx).Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
