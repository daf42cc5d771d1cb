package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
)

type Setting struct {
	ID        int       `gorm:"primary_key" json:"id"`
	BranchId  int       `gorm:"uniqueIndex:idx_settings_branch_key" json:"branch_id"`
	Key       string    `gorm:"size:100;not null;uniqueIndex:idx_settings_branch_key" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedBy int       `json:"updated_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetSetting(ctx context.Context, branchId int, key string) (*Setting, error) {
	var result Setting
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("branch_id = ? AND `key` = ?", branchId, key).First(&result).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func UpsertSetting(ctx context.Context, branchId int, key string, value string) (*Setting, error) {
	userId, _ := utils.GetUserIdFromContext(ctx)
	db := config.GetDB()

	existing, err := GetSetting(ctx, branchId, key)
	if err == nil {
		if err := db.WithContext(ctx).Model(existing).Updates(map[string]interface{}{
			"Value":     value,
			"UpdatedBy": userId,
		}).Error; err != nil {
			return nil, err
		}
		return existing, nil
	}

	setting := Setting{
		BranchId:  branchId,
		Key:       key,
		Value:     value,
		UpdatedBy: userId,
	}
	if err := db.WithContext(ctx).Create(&setting).Error; err != nil {
		return nil, err
	}
	return &setting, nil
}
