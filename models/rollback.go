package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"gorm.io/gorm"
)

// CleanupRollbackRecord captures enough state from one structural cleanup
// run to reverse it: moved file ids with their prior folder id, and
// deleted folder ids with their last known attributes. Rows persist until
// consumed by a rollback call; there is no automatic retention policy,
// operators purge old rows via the folder-consistency-check tool.
type CleanupRollbackRecord struct {
	ID         int        `gorm:"primary_key" json:"id"`
	RollbackId string     `gorm:"size:64;not null;uniqueIndex" json:"rollback_id"`
	Payload    string     `gorm:"type:longtext;not null" json:"payload"`
	CreatedBy  int        `json:"created_by"`
	ConsumedAt *time.Time `json:"consumed_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// MovedFileSnapshot records a file re-pointed during consolidation.
type MovedFileSnapshot struct {
	FileId        int  `json:"file_id"`
	PriorFolderId *int `json:"prior_folder_id"`
}

// DeletedFolderSnapshot records a folder removed during consolidation,
// with enough attributes to re-create it.
type DeletedFolderSnapshot struct {
	FolderId      int       `json:"folder_id"`
	Name          string    `json:"name"`
	ParentId      *int      `json:"parent_id"`
	ApplicationId int       `json:"application_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// MovedChildSnapshot records a child folder re-parented during
// consolidation.
type MovedChildSnapshot struct {
	FolderId      int  `json:"folder_id"`
	PriorParentId *int `json:"prior_parent_id"`
}

type RollbackPayload struct {
	MovedFiles     []MovedFileSnapshot     `json:"moved_files"`
	MovedChildren  []MovedChildSnapshot    `json:"moved_children"`
	DeletedFolders []DeletedFolderSnapshot `json:"deleted_folders"`
}

func (r *CleanupRollbackRecord) DecodePayload() (*RollbackPayload, error) {
	var payload RollbackPayload
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func StoreRollbackRecord(tx *gorm.DB, ctx context.Context, rollbackId string, payload *RollbackPayload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	userId, _ := utils.GetUserIdFromContext(ctx)
	record := CleanupRollbackRecord{
		RollbackId: rollbackId,
		Payload:    string(encoded),
		CreatedBy:  userId,
	}
	return tx.WithContext(ctx).Create(&record).Error
}

// may return RecordNotFound error
func GetRollbackRecord(ctx context.Context, rollbackId string) (*CleanupRollbackRecord, error) {
	var result CleanupRollbackRecord
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("rollback_id = ?", rollbackId).First(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// PurgeConsumedRollbackRecords removes consumed rows older than the given
// cutoff. Manual retention only; nothing calls this on a schedule.
func PurgeConsumedRollbackRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	db := config.GetDB()
	result := db.WithContext(ctx).
		Where("consumed_at IS NOT NULL AND consumed_at < ?", olderThan).
		Delete(&CleanupRollbackRecord{})
	return result.RowsAffected, result.Error
}
