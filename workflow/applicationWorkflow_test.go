package workflow

import (
	"strings"
	"testing"

	"bitbucket.org/mmdatafocus/loans_backend/models"
)

// NOTE: These tests are intentionally DB-free. They validate the pure
// state machine semantics; persistence orchestration needs MySQL and is
// covered by the integration suite.

var allStatuses = []models.WorkflowStatus{
	models.WorkflowStatusPoCreated,
	models.WorkflowStatusUserCompleted,
	models.WorkflowStatusTellerProcessing,
	models.WorkflowStatusManagerReview,
	models.WorkflowStatusApproved,
	models.WorkflowStatusRejected,
}

var allRoles = []models.UserRole{
	models.UserRolePo,
	models.UserRoleUser,
	models.UserRoleTeller,
	models.UserRoleManager,
	models.UserRoleAdmin,
}

type transitionCase struct {
	from models.WorkflowStatus
	to   models.WorkflowStatus
	role models.UserRole
}

var allowedTransitions = []transitionCase{
	{models.WorkflowStatusPoCreated, models.WorkflowStatusUserCompleted, models.UserRoleUser},
	{models.WorkflowStatusUserCompleted, models.WorkflowStatusTellerProcessing, models.UserRoleTeller},
	{models.WorkflowStatusTellerProcessing, models.WorkflowStatusManagerReview, models.UserRoleTeller},
	{models.WorkflowStatusTellerProcessing, models.WorkflowStatusRejected, models.UserRoleTeller},
	{models.WorkflowStatusManagerReview, models.WorkflowStatusApproved, models.UserRoleManager},
	{models.WorkflowStatusManagerReview, models.WorkflowStatusRejected, models.UserRoleManager},
}

func isAllowed(from, to models.WorkflowStatus, role models.UserRole) bool {
	for _, tc := range allowedTransitions {
		if tc.from == from && tc.to == to && tc.role == role {
			return true
		}
	}
	return false
}

func accountId(v string) *string {
	return &v
}

func TestCanTransition_FullGrid(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			for _, role := range allRoles {
				expected := isAllowed(from, to, role)
				if got := CanTransition(from, to, role); got != expected {
					t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", from, to, role, got, expected)
				}
				if expected {
					continue
				}
				err := ValidateTransition(from, to, role, accountId("ACC123"))
				if err == nil {
					t.Errorf("ValidateTransition(%s, %s, %s) accepted a transition not in the table", from, to, role)
					continue
				}
				if !IsTransitionError(err) {
					t.Errorf("ValidateTransition(%s, %s, %s) returned %T, want *TransitionError", from, to, role, err)
				}
			}
		}
	}
}

func TestValidateTransition_AccountIdGate(t *testing.T) {
	from := models.WorkflowStatusTellerProcessing
	to := models.WorkflowStatusManagerReview

	if err := ValidateTransition(from, to, models.UserRoleTeller, nil); err == nil {
		t.Error("expected error for missing account id")
	}
	if err := ValidateTransition(from, to, models.UserRoleTeller, accountId("")); err == nil {
		t.Error("expected error for empty account id")
	}
	if err := ValidateTransition(from, to, models.UserRoleTeller, accountId("   ")); err == nil {
		t.Error("expected error for whitespace account id")
	}
	if err := ValidateTransition(from, to, models.UserRoleTeller, accountId("ACC123")); err != nil {
		t.Errorf("unexpected error with account id: %v", err)
	}

	// only manager review submission needs the account id
	if err := ValidateTransition(models.WorkflowStatusPoCreated, models.WorkflowStatusUserCompleted, models.UserRoleUser, nil); err != nil {
		t.Errorf("unexpected error for transition without account id requirement: %v", err)
	}
}

func TestRequiresValidationAndAccountId(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			wantValidation := from == models.WorkflowStatusUserCompleted && to == models.WorkflowStatusTellerProcessing
			if got := RequiresValidation(from, to); got != wantValidation {
				t.Errorf("RequiresValidation(%s, %s) = %v, want %v", from, to, got, wantValidation)
			}
			wantAccount := from == models.WorkflowStatusTellerProcessing && to == models.WorkflowStatusManagerReview
			if got := RequiresAccountId(from, to); got != wantAccount {
				t.Errorf("RequiresAccountId(%s, %s) = %v, want %v", from, to, got, wantAccount)
			}
		}
	}
}

func TestGetNextStages(t *testing.T) {
	stages := GetNextStages(models.WorkflowStatusTellerProcessing, models.UserRoleTeller)
	if len(stages) != 2 {
		t.Fatalf("expected 2 stages from teller_processing for teller, got %v", stages)
	}
	if stages[0] != models.WorkflowStatusManagerReview || stages[1] != models.WorkflowStatusRejected {
		t.Errorf("unexpected stage order: %v", stages)
	}

	if stages := GetNextStages(models.WorkflowStatusApproved, models.UserRoleManager); len(stages) != 0 {
		t.Errorf("terminal state should have no next stages, got %v", stages)
	}
	if stages := GetNextStages(models.WorkflowStatusPoCreated, models.UserRoleManager); len(stages) != 0 {
		t.Errorf("manager has no moves from po_created, got %v", stages)
	}
}

// stampCount returns how many actor/timestamp pairs are set.
func stampCount(a *models.LoanApplication) int {
	n := 0
	if a.UserCompletedAt != nil {
		n++
	}
	if a.TellerProcessedAt != nil {
		n++
	}
	if a.ManagerReviewedAt != nil {
		n++
	}
	if a.FinalDecisionAt != nil {
		n++
	}
	return n
}

func TestApplyTransition_StampsOnlyTargetPair(t *testing.T) {
	cases := []struct {
		to      models.WorkflowStatus
		stamped func(*models.LoanApplication) bool
	}{
		{models.WorkflowStatusUserCompleted, func(a *models.LoanApplication) bool {
			return a.UserCompletedAt != nil && a.UserCompletedBy == 7
		}},
		{models.WorkflowStatusTellerProcessing, func(a *models.LoanApplication) bool {
			return a.TellerProcessedAt != nil && a.TellerProcessedBy == 7
		}},
		{models.WorkflowStatusManagerReview, func(a *models.LoanApplication) bool {
			return a.ManagerReviewedAt != nil && a.ManagerReviewedBy == 7
		}},
		{models.WorkflowStatusApproved, func(a *models.LoanApplication) bool {
			return a.FinalDecisionAt != nil && a.FinalDecisionBy == 7
		}},
		{models.WorkflowStatusRejected, func(a *models.LoanApplication) bool {
			return a.FinalDecisionAt != nil && a.FinalDecisionBy == 7
		}},
	}

	for _, tc := range cases {
		application := &models.LoanApplication{ID: 1, WorkflowStatus: models.WorkflowStatusPoCreated}
		returned := ApplyTransition(application, tc.to, 7, nil, "")
		if returned != application {
			t.Errorf("%s: ApplyTransition must mutate in place and return the same object", tc.to)
		}
		if application.WorkflowStatus != tc.to {
			t.Errorf("%s: workflow status not set, got %s", tc.to, application.WorkflowStatus)
		}
		if !tc.stamped(application) {
			t.Errorf("%s: target actor/timestamp pair not stamped", tc.to)
		}
		if stampCount(application) != 1 {
			t.Errorf("%s: expected exactly one stamped pair, got %d", tc.to, stampCount(application))
		}
	}
}

func TestApplyTransition_ManagerReviewSetsAccount(t *testing.T) {
	application := &models.LoanApplication{ID: 1, WorkflowStatus: models.WorkflowStatusTellerProcessing}
	ApplyTransition(application, models.WorkflowStatusManagerReview, 3, accountId("  ACC900 "), "")

	if application.AccountId == nil || *application.AccountId != "ACC900" {
		t.Fatalf("expected trimmed account id ACC900, got %v", application.AccountId)
	}
	if !application.AccountValidated {
		t.Error("expected account marked validated")
	}
	if !strings.Contains(application.AccountNote, "user 3") {
		t.Errorf("expected validation note naming the actor, got %q", application.AccountNote)
	}
}

func TestWorkflow_HappyPath(t *testing.T) {
	application := &models.LoanApplication{ID: 1, WorkflowStatus: models.WorkflowStatusPoCreated}

	steps := []struct {
		to        models.WorkflowStatus
		role      models.UserRole
		actorId   int
		accountId *string
	}{
		{models.WorkflowStatusUserCompleted, models.UserRoleUser, 11, nil},
		{models.WorkflowStatusTellerProcessing, models.UserRoleTeller, 22, nil},
		{models.WorkflowStatusManagerReview, models.UserRoleTeller, 22, accountId("ACC123")},
		{models.WorkflowStatusApproved, models.UserRoleManager, 33, nil},
	}
	for _, step := range steps {
		if err := ValidateTransition(application.WorkflowStatus, step.to, step.role, step.accountId); err != nil {
			t.Fatalf("transition to %s failed validation: %v", step.to, err)
		}
		ApplyTransition(application, step.to, step.actorId, step.accountId, "")
	}

	if application.WorkflowStatus != models.WorkflowStatusApproved {
		t.Fatalf("expected approved, got %s", application.WorkflowStatus)
	}
	if application.AccountId == nil || *application.AccountId != "ACC123" {
		t.Errorf("account id lost on later transitions: %v", application.AccountId)
	}
	if stampCount(application) != 4 {
		t.Errorf("expected all four actor/timestamp pairs set, got %d", stampCount(application))
	}
	if application.Status != "approved" || application.LoanStatus != models.LoanStatusApproved {
		t.Errorf("legacy mirrors out of sync: %q / %q", application.Status, application.LoanStatus)
	}

	// re-applying the consumed transition is rejected
	if err := ValidateTransition(application.WorkflowStatus, models.WorkflowStatusApproved, models.UserRoleManager, nil); err == nil {
		t.Error("re-applying a transition from a terminal state should fail")
	}
}

func TestWorkflow_TellerRejection(t *testing.T) {
	application := &models.LoanApplication{ID: 2, WorkflowStatus: models.WorkflowStatusTellerProcessing}

	if err := ValidateTransition(application.WorkflowStatus, models.WorkflowStatusRejected, models.UserRoleTeller, nil); err != nil {
		t.Fatalf("teller rejection failed validation: %v", err)
	}
	ApplyTransition(application, models.WorkflowStatusRejected, 22, nil, "incomplete documents")

	if application.WorkflowStatus != models.WorkflowStatusRejected {
		t.Fatalf("expected rejected, got %s", application.WorkflowStatus)
	}
	if application.ManagerReviewedAt != nil {
		t.Error("manager review stamp must stay unset on direct teller rejection")
	}
	if application.RejectionReason != "incomplete documents" {
		t.Errorf("rejection reason not stored, got %q", application.RejectionReason)
	}
	if application.Status != "rejected" || application.LoanStatus != models.LoanStatusRejected {
		t.Errorf("legacy mirrors out of sync: %q / %q", application.Status, application.LoanStatus)
	}
}

func TestCanEditForm(t *testing.T) {
	editable := map[models.WorkflowStatus]models.UserRole{
		models.WorkflowStatusPoCreated:        models.UserRolePo,
		models.WorkflowStatusUserCompleted:    models.UserRoleUser,
		models.WorkflowStatusTellerProcessing: models.UserRoleTeller,
	}
	for _, status := range allStatuses {
		for _, role := range allRoles {
			expected := editable[status] == role
			if got := CanEditForm(status, role); got != expected {
				t.Errorf("CanEditForm(%s, %s) = %v, want %v", status, role, got, expected)
			}
		}
	}
}
