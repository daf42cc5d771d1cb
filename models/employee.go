package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
)

type Employee struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	StaffNo   string    `gorm:"size:50;unique" json:"staff_no"`
	BranchId  int       `gorm:"index" json:"branch_id"`
	Email     *string   `gorm:"size:100" json:"email"`
	Phone     string    `gorm:"size:20" json:"phone"`
	Position  string    `gorm:"size:100" json:"position"`
	IsActive  *bool     `gorm:"not null" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewEmployee struct {
	Name     string `json:"name" binding:"required"`
	StaffNo  string `json:"staff_no"`
	BranchId int    `json:"branch_id"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Position string `json:"position"`
	IsActive *bool  `json:"is_active"`
}

func CreateEmployee(ctx context.Context, input *NewEmployee) (*Employee, error) {
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, errors.New("invalid email")
	}
	employee := Employee{
		Name:     input.Name,
		StaffNo:  input.StaffNo,
		BranchId: input.BranchId,
		Email:    utils.NilIfEmpty(input.Email),
		Phone:    input.Phone,
		Position: input.Position,
		IsActive: input.IsActive,
	}
	if employee.IsActive == nil {
		employee.IsActive = utils.NewTrue()
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&employee).Error; err != nil {
		return nil, err
	}
	return &employee, nil
}

// may return RecordNotFound error
func GetEmployee(ctx context.Context, id int) (*Employee, error) {
	var result Employee
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func ListEmployees(ctx context.Context, branchId int) ([]*Employee, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&Employee{})
	if branchId > 0 {
		dbCtx = dbCtx.Where("branch_id = ?", branchId)
	}
	var results []*Employee
	if err := dbCtx.Order("name ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
