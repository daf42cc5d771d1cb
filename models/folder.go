package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"gorm.io/gorm"
)

// Folder is one node of an application's document tree. ParentId is nil
// for the application's root folder; there must be at most one root per
// application and sibling names must be unique. The consistency engine
// repairs violations of both.
type Folder struct {
	ID            int       `gorm:"primary_key" json:"id"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	ParentId      *int      `gorm:"index" json:"parent_id"`
	ApplicationId int       `gorm:"index;not null" json:"application_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewFolder struct {
	Name     string `json:"name" binding:"required"`
	ParentId *int   `json:"parent_id"`
}

func (f *Folder) IsRoot() bool {
	return f.ParentId == nil
}

func (f *Folder) Store(tx *gorm.DB, ctx context.Context) error {
	return tx.WithContext(ctx).Create(&f).Error
}

func (f *Folder) Delete(tx *gorm.DB, ctx context.Context) error {
	return tx.WithContext(ctx).Delete(&f).Error
}

// may return RecordNotFound error
func GetFolder(ctx context.Context, id int) (*Folder, error) {
	var result Folder
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

// GetRootFolders returns all parentless folders of the application,
// oldest first. A consistent tree has exactly one.
func GetRootFolders(tx *gorm.DB, ctx context.Context, applicationId int) ([]*Folder, error) {
	var results []*Folder
	err := tx.WithContext(ctx).
		Where("application_id = ? AND parent_id IS NULL", applicationId).
		Order("created_at ASC, id ASC").
		Find(&results).Error
	return results, err
}

func GetChildFolders(tx *gorm.DB, ctx context.Context, parentId int) ([]*Folder, error) {
	var results []*Folder
	err := tx.WithContext(ctx).
		Where("parent_id = ?", parentId).
		Order("created_at ASC, id ASC").
		Find(&results).Error
	return results, err
}

func GetApplicationFolders(tx *gorm.DB, ctx context.Context, applicationId int) ([]*Folder, error) {
	var results []*Folder
	err := tx.WithContext(ctx).
		Where("application_id = ?", applicationId).
		Order("created_at ASC, id ASC").
		Find(&results).Error
	return results, err
}

// CountFolderFiles returns the number of file rows inside the folder.
func CountFolderFiles(tx *gorm.DB, ctx context.Context, folderId int) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&File{}).Where("folder_id = ?", folderId).Count(&count).Error
	return count, err
}
