package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"gorm.io/gorm"
)

// Notification rows are written on workflow transitions for the in-app
// inbox. Email/push delivery is handled by the external notification
// service consuming the workflow event topic.
type Notification struct {
	ID            int       `gorm:"primary_key" json:"id"`
	UserId        int       `gorm:"index;not null" json:"user_id"`
	Title         string    `gorm:"size:255;not null" json:"title"`
	Body          string    `gorm:"type:text" json:"body"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:50" json:"reference_type"`
	IsRead        bool      `gorm:"not null;default:false" json:"is_read"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (n *Notification) Store(tx *gorm.DB, ctx context.Context) error {
	return tx.WithContext(ctx).Create(&n).Error
}

func ListNotifications(ctx context.Context, userId int, unreadOnly bool) ([]*Notification, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("user_id = ?", userId)
	if unreadOnly {
		dbCtx = dbCtx.Where("is_read = ?", false)
	}
	var results []*Notification
	if err := dbCtx.Order("id DESC").Limit(50).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func MarkNotificationRead(ctx context.Context, userId int, id int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ?", id, userId).
		Update("is_read", true).Error
}
