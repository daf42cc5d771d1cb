package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"gorm.io/gorm"
)

// File is a document's metadata row. FolderId is nil when the file is
// attached at application level (valid, if unusual). Binary content
// lives in the object store; this table never holds bytes.
type File struct {
	ID            int       `gorm:"primary_key" json:"id"`
	Filename      string    `gorm:"size:255;not null" json:"filename"`
	FileUrl       string    `gorm:"size:1024" json:"file_url"`
	MimeType      string    `gorm:"size:100" json:"mime_type"`
	Size          int64     `json:"size"`
	FolderId      *int      `gorm:"index" json:"folder_id"`
	ApplicationId int       `gorm:"index;not null" json:"application_id"`
	UploadedBy    int       `json:"uploaded_by"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewFile struct {
	Filename   string `json:"filename" binding:"required"`
	FileUrl    string `json:"file_url" binding:"required"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	FolderName string `json:"folder_name"`
}

// for create
func (input NewFile) MapInput(applicationId int, folderId *int, uploadedBy int) (*File, error) {
	if err := utils.CheckFileExistInGCS(input.FileUrl); err != nil {
		return nil, err
	}
	return &File{
		Filename:      input.Filename,
		FileUrl:       input.FileUrl,
		MimeType:      input.MimeType,
		Size:          input.Size,
		FolderId:      folderId,
		ApplicationId: applicationId,
		UploadedBy:    uploadedBy,
	}, nil
}

func (f *File) Store(tx *gorm.DB, ctx context.Context) error {
	return tx.WithContext(ctx).Create(&f).Error
}

func (f *File) Delete(tx *gorm.DB, ctx context.Context) error {
	if err := tx.WithContext(ctx).Delete(&f).Error; err != nil {
		return err
	}
	if objectKey := utils.ExtractObjectKeyFromURL(f.FileUrl); objectKey != "" {
		if err := utils.DeleteFileFromGCS(ctx, objectKey); err != nil {
			return err
		}
	}
	return nil
}

// may return RecordNotFound error
func GetFile(ctx context.Context, id int) (*File, error) {
	var result File
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetFolderFiles(tx *gorm.DB, ctx context.Context, folderId int) ([]*File, error) {
	var results []*File
	err := tx.WithContext(ctx).
		Where("folder_id = ?", folderId).
		Order("id ASC").
		Find(&results).Error
	return results, err
}

func GetApplicationFiles(tx *gorm.DB, ctx context.Context, applicationId int) ([]*File, error) {
	var results []*File
	err := tx.WithContext(ctx).
		Where("application_id = ?", applicationId).
		Order("id ASC").
		Find(&results).Error
	return results, err
}

// RemoveUnlinkedFile deletes an uploaded object only if no file row
// references it.
func RemoveUnlinkedFile(ctx context.Context, fullUrl string) error {
	var count int64
	db := config.GetDB()

	if err := db.Model(&File{}).WithContext(ctx).Where("file_url = ?", fullUrl).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.New("cannot delete file associated with database")
	}

	objectName := utils.ExtractObjectKeyFromURL(fullUrl)
	if objectName == "" {
		return errors.New("invalid url")
	}
	if ok, err := utils.ObjectExistsInGCS(ctx, objectName); !ok || err != nil {
		return errors.New("object does not exist")
	}

	return utils.DeleteFileFromGCS(ctx, objectName)
}
