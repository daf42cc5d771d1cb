package models

import (
	"encoding/json"
	"errors"
)

// WorkflowStatus is the enumerated stage of a loan application's
// approval lifecycle.
type WorkflowStatus string

const (
	WorkflowStatusPoCreated        WorkflowStatus = "po_created"
	WorkflowStatusUserCompleted    WorkflowStatus = "user_completed"
	WorkflowStatusTellerProcessing WorkflowStatus = "teller_processing"
	WorkflowStatusManagerReview    WorkflowStatus = "manager_review"
	WorkflowStatusApproved         WorkflowStatus = "approved"
	WorkflowStatusRejected         WorkflowStatus = "rejected"
)

func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusApproved || s == WorkflowStatusRejected
}

func ParseWorkflowStatus(str string) (WorkflowStatus, error) {
	switch WorkflowStatus(str) {
	case WorkflowStatusPoCreated, WorkflowStatusUserCompleted, WorkflowStatusTellerProcessing,
		WorkflowStatusManagerReview, WorkflowStatusApproved, WorkflowStatusRejected:
		return WorkflowStatus(str), nil
	}
	return "", errors.New("invalid workflow status")
}

func (s *WorkflowStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return errors.New("workflow status must be string")
	}
	parsed, err := ParseWorkflowStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UserRole gates workflow transitions and form editing.
type UserRole string

const (
	UserRolePo      UserRole = "po"
	UserRoleUser    UserRole = "user"
	UserRoleTeller  UserRole = "teller"
	UserRoleManager UserRole = "manager"
	UserRoleAdmin   UserRole = "admin"
)

func ParseUserRole(str string) (UserRole, error) {
	switch UserRole(str) {
	case UserRolePo, UserRoleUser, UserRoleTeller, UserRoleManager, UserRoleAdmin:
		return UserRole(str), nil
	}
	return "", errors.New("invalid user role")
}

func (r *UserRole) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return errors.New("user role must be string")
	}
	parsed, err := ParseUserRole(str)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// SyncIssueType tags a detected folder/file inconsistency. Repair dispatch
// switches over this closed set.
type SyncIssueType string

const (
	SyncIssueOrphanedFile       SyncIssueType = "ORPHANED_FILE"
	SyncIssueMissingFolder      SyncIssueType = "MISSING_FOLDER"
	SyncIssueDuplicateFolder    SyncIssueType = "DUPLICATE_FOLDER"
	SyncIssueInconsistentCounts SyncIssueType = "INCONSISTENT_COUNTS"
	SyncIssueBrokenHierarchy    SyncIssueType = "BROKEN_HIERARCHY"
	SyncIssueMissingApplication SyncIssueType = "MISSING_APPLICATION"
	SyncIssueStaleCache         SyncIssueType = "STALE_CACHE"
)

type IssueSeverity string

const (
	IssueSeverityLow      IssueSeverity = "low"
	IssueSeverityMedium   IssueSeverity = "medium"
	IssueSeverityHigh     IssueSeverity = "high"
	IssueSeverityCritical IssueSeverity = "critical"
)

// OutboxPublishStatus is the publish-side state of a workflow event row.
type OutboxPublishStatus string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusSent       OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
)

// LoanStatus is the legacy customer-facing status string mirrored from
// WorkflowStatus for backward compatibility with old clients.
type LoanStatus string

const (
	LoanStatusDraft      LoanStatus = "draft"
	LoanStatusInProgress LoanStatus = "in_progress"
	LoanStatusApproved   LoanStatus = "approved"
	LoanStatusRejected   LoanStatus = "rejected"
)
