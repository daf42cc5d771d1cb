package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// LoanApplication is the workflow subject. Actor/timestamp pairs are
// stamped by the workflow engine when the matching stage is entered and
// are never cleared afterwards.
type LoanApplication struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ApplicationNo    string          `gorm:"size:50;not null;unique" json:"application_no"`
	CustomerId       int             `gorm:"index;not null" json:"customer_id"`
	BranchId         int             `gorm:"index" json:"branch_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	InterestRate     decimal.Decimal `gorm:"type:decimal(8,4)" json:"interest_rate"`
	TermMonths       int             `json:"term_months"`
	Purpose          string          `gorm:"type:text" json:"purpose"`
	WorkflowStatus   WorkflowStatus  `gorm:"size:30;index;not null;default:'po_created'" json:"workflow_status"`
	Status           string          `gorm:"size:30" json:"status"`      // legacy mirror
	LoanStatus       LoanStatus      `gorm:"size:30" json:"loan_status"` // legacy mirror
	AccountId        *string         `gorm:"size:50;uniqueIndex" json:"account_id"`
	AccountValidated bool            `json:"account_validated"`
	AccountNote      string          `gorm:"size:255" json:"account_note"`
	RejectionReason  string          `gorm:"type:text" json:"rejection_reason"`

	PoCreatedBy       int        `json:"po_created_by"`
	PoCreatedAt       *time.Time `json:"po_created_at"`
	UserCompletedBy   int        `json:"user_completed_by"`
	UserCompletedAt   *time.Time `json:"user_completed_at"`
	TellerProcessedBy int        `json:"teller_processed_by"`
	TellerProcessedAt *time.Time `json:"teller_processed_at"`
	ManagerReviewedBy int        `json:"manager_reviewed_by"`
	ManagerReviewedAt *time.Time `json:"manager_reviewed_at"`
	FinalDecisionBy   int        `json:"final_decision_by"`
	FinalDecisionAt   *time.Time `json:"final_decision_at"`

	Files     []*File   `gorm:"foreignKey:ApplicationId" json:"files,omitempty"`
	Folders   []*Folder `gorm:"foreignKey:ApplicationId" json:"folders,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewLoanApplication struct {
	CustomerId   int             `json:"customer_id" binding:"required"`
	BranchId     int             `json:"branch_id"`
	Amount       decimal.Decimal `json:"amount" binding:"required"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	TermMonths   int             `json:"term_months"`
	Purpose      string          `json:"purpose"`
}

// LegacyStatusFor maps a workflow status to the mirror fields old clients
// still read. Must be applied on every transition.
func LegacyStatusFor(ws WorkflowStatus) (string, LoanStatus) {
	switch ws {
	case WorkflowStatusPoCreated:
		return "new", LoanStatusDraft
	case WorkflowStatusApproved:
		return "approved", LoanStatusApproved
	case WorkflowStatusRejected:
		return "rejected", LoanStatusRejected
	default:
		return "processing", LoanStatusInProgress
	}
}

// CreateLoanApplication inserts a new application in po_created,
// stamped with the creating officer-proxy.
func CreateLoanApplication(ctx context.Context, input *NewLoanApplication) (*LoanApplication, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId <= 0 {
		return nil, errors.New("user id is required")
	}
	if err := utils.ValidateResourceId[Customer](ctx, input.CustomerId); err != nil {
		return nil, errors.New("customer not found")
	}
	if !input.Amount.IsPositive() {
		return nil, errors.New("loan amount must be positive")
	}

	now := time.Now().UTC()
	status, loanStatus := LegacyStatusFor(WorkflowStatusPoCreated)
	application := LoanApplication{
		CustomerId:     input.CustomerId,
		BranchId:       input.BranchId,
		Amount:         input.Amount,
		InterestRate:   input.InterestRate,
		TermMonths:     input.TermMonths,
		Purpose:        input.Purpose,
		WorkflowStatus: WorkflowStatusPoCreated,
		Status:         status,
		LoanStatus:     loanStatus,
		PoCreatedBy:    userId,
		PoCreatedAt:    &now,
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&application).Error; err != nil {
			return err
		}
		application.ApplicationNo = fmt.Sprintf("LN-%06d", application.ID)
		return tx.Model(&LoanApplication{}).Where("id = ?", application.ID).
			Update("application_no", application.ApplicationNo).Error
	})
	if err != nil {
		return nil, err
	}
	return &application, nil
}

// may return RecordNotFound error
func GetLoanApplication(ctx context.Context, id int) (*LoanApplication, error) {
	var result LoanApplication
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetLoanApplicationWithFiles(ctx context.Context, id int) (*LoanApplication, error) {
	var result LoanApplication
	db := config.GetDB()
	if err := db.WithContext(ctx).Preload("Folders").Preload("Files").First(&result, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func ListLoanApplications(ctx context.Context, statuses []WorkflowStatus, limit int, offset int) ([]*LoanApplication, error) {
	db := config.GetDB()
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	dbCtx := db.WithContext(ctx).Model(&LoanApplication{})
	if len(statuses) > 0 {
		dbCtx = dbCtx.Where("workflow_status IN ?", statuses)
	}
	var results []*LoanApplication
	if err := dbCtx.Order("id DESC").Limit(limit).Offset(offset).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// map for updating form fields while the application is still editable
// db.Model(m).Updates(...)
func (input NewLoanApplication) Fillable() map[string]interface{} {
	return map[string]interface{}{
		"CustomerId":   input.CustomerId,
		"BranchId":     input.BranchId,
		"Amount":       input.Amount,
		"InterestRate": input.InterestRate,
		"TermMonths":   input.TermMonths,
		"Purpose":      input.Purpose,
	}
}

func (a *LoanApplication) Update(tx *gorm.DB, ctx context.Context, fillable map[string]interface{}) error {
	return tx.WithContext(ctx).Model(&a).Updates(fillable).Error
}
