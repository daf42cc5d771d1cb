package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"gorm.io/gorm"
)

type Customer struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	NrcNo     string    `gorm:"size:50;index" json:"nrc_no"`
	Email     *string   `gorm:"size:100" json:"email"`
	Phone     string    `gorm:"size:20" json:"phone"`
	Mobile    string    `gorm:"size:20" json:"mobile"`
	Address   string    `gorm:"type:text" json:"address"`
	IsActive  *bool     `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomer struct {
	Name     string `json:"name" binding:"required"`
	NrcNo    string `json:"nrc_no"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Mobile   string `json:"mobile"`
	Address  string `json:"address"`
	IsActive *bool  `json:"is_active"`
}

func (input NewCustomer) validate() error {
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("invalid email")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return errors.New("invalid phone number")
		}
	}
	if input.Mobile != "" {
		if err := utils.ValidatePhoneNumber(input.Mobile, utils.CountryCode); err != nil {
			return errors.New("invalid mobile number")
		}
	}
	return nil
}

func CreateCustomer(ctx context.Context, input *NewCustomer) (*Customer, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	customer := Customer{
		Name:     input.Name,
		NrcNo:    input.NrcNo,
		Email:    utils.NilIfEmpty(input.Email),
		Phone:    input.Phone,
		Mobile:   input.Mobile,
		Address:  input.Address,
		IsActive: input.IsActive,
	}
	if customer.IsActive == nil {
		customer.IsActive = utils.NewTrue()
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

// may return RecordNotFound error
func GetCustomer(ctx context.Context, id int) (*Customer, error) {
	// find in redis first
	result, err := utils.RetrieveRedis[Customer](id)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	var customer Customer
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&customer, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := utils.StoreRedis[Customer](&customer, id); err != nil {
		return nil, err
	}
	return &customer, nil
}

func UpdateCustomer(ctx context.Context, id int, input *NewCustomer) (*Customer, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}
	customer, err := GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&customer).Updates(map[string]interface{}{
			"Name":    input.Name,
			"NrcNo":   input.NrcNo,
			"Email":   utils.NilIfEmpty(input.Email),
			"Phone":   input.Phone,
			"Mobile":  input.Mobile,
			"Address": input.Address,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	if err := utils.RemoveRedis[Customer](id); err != nil {
		return nil, err
	}
	return customer, nil
}
