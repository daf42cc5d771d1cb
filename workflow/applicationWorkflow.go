package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/models"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// TransitionError is a domain error: the requested state change is not in
// the transition table, or a required field is missing. The message is
// user-facing; handlers map it to a 400-class response.
type TransitionError struct {
	Message string
}

func (e *TransitionError) Error() string {
	return e.Message
}

func newTransitionError(format string, args ...interface{}) *TransitionError {
	return &TransitionError{Message: fmt.Sprintf(format, args...)}
}

func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

type transitionKey struct {
	From models.WorkflowStatus
	To   models.WorkflowStatus
}

// transitionTable maps each allowed state change to the role that may
// perform it. Anything not in the table is rejected.
var transitionTable = map[transitionKey]models.UserRole{
	{models.WorkflowStatusPoCreated, models.WorkflowStatusUserCompleted}:        models.UserRoleUser,
	{models.WorkflowStatusUserCompleted, models.WorkflowStatusTellerProcessing}: models.UserRoleTeller,
	{models.WorkflowStatusTellerProcessing, models.WorkflowStatusManagerReview}: models.UserRoleTeller,
	{models.WorkflowStatusTellerProcessing, models.WorkflowStatusRejected}:      models.UserRoleTeller,
	{models.WorkflowStatusManagerReview, models.WorkflowStatusApproved}:         models.UserRoleManager,
	{models.WorkflowStatusManagerReview, models.WorkflowStatusRejected}:         models.UserRoleManager,
}

// fixed iteration order so GetNextStages is deterministic
var stageOrder = []models.WorkflowStatus{
	models.WorkflowStatusPoCreated,
	models.WorkflowStatusUserCompleted,
	models.WorkflowStatusTellerProcessing,
	models.WorkflowStatusManagerReview,
	models.WorkflowStatusApproved,
	models.WorkflowStatusRejected,
}

// CanTransition reports whether role may move an application from one
// status to another. Pure table lookup.
func CanTransition(from models.WorkflowStatus, to models.WorkflowStatus, role models.UserRole) bool {
	required, ok := transitionTable[transitionKey{from, to}]
	return ok && required == role
}

// GetNextStages returns every status reachable from current by role.
func GetNextStages(current models.WorkflowStatus, role models.UserRole) []models.WorkflowStatus {
	var stages []models.WorkflowStatus
	for _, to := range stageOrder {
		if CanTransition(current, to, role) {
			stages = append(stages, to)
		}
	}
	return stages
}

// RequiresValidation is true only for the teller picking up a completed
// form (form-level re-validation before processing starts).
func RequiresValidation(from models.WorkflowStatus, to models.WorkflowStatus) bool {
	return from == models.WorkflowStatusUserCompleted && to == models.WorkflowStatusTellerProcessing
}

// RequiresAccountId is true only for submitting to manager review: the
// ledger account must exist before a manager can decide.
func RequiresAccountId(from models.WorkflowStatus, to models.WorkflowStatus) bool {
	return from == models.WorkflowStatusTellerProcessing && to == models.WorkflowStatusManagerReview
}

// ValidateTransition fails if the change is not in the table, or if the
// application is entering manager review without a non-empty account id.
func ValidateTransition(current models.WorkflowStatus, newStatus models.WorkflowStatus, role models.UserRole, accountId *string) error {
	if !CanTransition(current, newStatus, role) {
		return newTransitionError("invalid transition from %s to %s for role %s", current, newStatus, role)
	}
	if RequiresAccountId(current, newStatus) {
		if accountId == nil || strings.TrimSpace(*accountId) == "" {
			return newTransitionError("account id is required before manager review")
		}
	}
	return nil
}

// ApplyTransition sets the new workflow status and stamps the
// actor/timestamp pair matching the TARGET state. It mutates the
// application in place and returns it; persistence is the caller's
// responsibility. Re-applying the same transition is rejected because
// the source state has already advanced.
func ApplyTransition(application *models.LoanApplication, newStatus models.WorkflowStatus, actorId int, accountId *string, notes string) *models.LoanApplication {
	now := time.Now().UTC()

	application.WorkflowStatus = newStatus
	status, loanStatus := models.LegacyStatusFor(newStatus)
	application.Status = status
	application.LoanStatus = loanStatus

	switch newStatus {
	case models.WorkflowStatusUserCompleted:
		application.UserCompletedBy = actorId
		application.UserCompletedAt = &now
	case models.WorkflowStatusTellerProcessing:
		application.TellerProcessedBy = actorId
		application.TellerProcessedAt = &now
	case models.WorkflowStatusManagerReview:
		application.ManagerReviewedBy = actorId
		application.ManagerReviewedAt = &now
		if accountId != nil && strings.TrimSpace(*accountId) != "" {
			trimmed := strings.TrimSpace(*accountId)
			application.AccountId = &trimmed
			application.AccountValidated = true
			application.AccountNote = fmt.Sprintf("validated on submission by user %d", actorId)
		}
	case models.WorkflowStatusApproved:
		application.FinalDecisionBy = actorId
		application.FinalDecisionAt = &now
	case models.WorkflowStatusRejected:
		application.FinalDecisionBy = actorId
		application.FinalDecisionAt = &now
		application.RejectionReason = notes
	}

	return application
}

// CanEditForm reports whether role may still edit the application form in
// the given stage.
func CanEditForm(current models.WorkflowStatus, role models.UserRole) bool {
	switch {
	case current == models.WorkflowStatusPoCreated && role == models.UserRolePo:
		return true
	case current == models.WorkflowStatusUserCompleted && role == models.UserRoleUser:
		return true
	case current == models.WorkflowStatusTellerProcessing && role == models.UserRoleTeller:
		return true
	}
	return false
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// TransitionApplication is the persistence orchestration around the pure
// FSM: per-application advisory lock, validate, apply, audit history row,
// outbox event, one commit. Concurrent transitions on the same
// application serialize on the lock, so the stale one fails validation
// instead of silently overwriting.
func TransitionApplication(ctx context.Context, db *gorm.DB, applicationId int, newStatus models.WorkflowStatus, accountId *string, notes string) (*models.LoanApplication, error) {
	actorId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || actorId <= 0 {
		return nil, errors.New("user id is required")
	}
	roleStr, _ := utils.GetRoleFromContext(ctx)
	role, err := models.ParseUserRole(roleStr)
	if err != nil {
		return nil, err
	}

	logger := config.GetLogger()

	var application models.LoanApplication
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireApplicationLock(tx, applicationId); err != nil {
			return err
		}
		defer ReleaseApplicationLock(tx, applicationId)

		if err := tx.First(&application, applicationId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}

		from := application.WorkflowStatus
		if err := ValidateTransition(from, newStatus, role, accountId); err != nil {
			return err
		}

		before := application
		ApplyTransition(&application, newStatus, actorId, accountId, notes)

		if err := tx.Save(&application).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return newTransitionError("account id %s is already used by another application", utils.DereferencePtr(accountId))
			}
			return err
		}

		description := fmt.Sprintf("Application %s moved from %s to %s", application.ApplicationNo, from, newStatus)
		if err := models.CreateHistory(tx, ctx, "UPDATE", application.ID, "loan_applications", &before, &application, description); err != nil {
			return err
		}

		if config.WorkflowEventsEnabled() {
			if err := models.EnqueueWorkflowEvent(ctx, tx, &application, from, newStatus, actorId, role); err != nil {
				return err
			}
		}

		// in-app inbox row for the officer who created the application
		if application.PoCreatedBy > 0 && application.PoCreatedBy != actorId {
			notification := models.Notification{
				UserId:        application.PoCreatedBy,
				Title:         fmt.Sprintf("Application %s is now %s", application.ApplicationNo, newStatus),
				Body:          notes,
				ReferenceID:   application.ID,
				ReferenceType: "loan_applications",
			}
			if err := notification.Store(tx, ctx); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		if !IsTransitionError(err) && !errors.Is(err, utils.ErrorRecordNotFound) {
			config.LogError(logger, "workflow", "TransitionApplication", "transition failed", applicationId, err)
		}
		return nil, err
	}

	return &application, nil
}
