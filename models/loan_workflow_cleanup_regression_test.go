package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/models"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"bitbucket.org/mmdatafocus/loans_backend/workflow"
	"github.com/shopspring/decimal"
)

// End-to-end regression over a real MySQL+Redis pair: an application walks
// the full approval chain, then a manufactured duplicate-root situation is
// detected, consolidated, and rolled back.
func TestLoanWorkflowAndFolderCleanup_EndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "pitiloans_test")
	// Keep the outbox out of this test; the dispatcher has its own coverage.
	t.Setenv("WORKFLOW_EVENTS", "")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}

	asUser := func(userId int, role models.UserRole) context.Context {
		c := utils.SetUserIdInContext(ctx, userId)
		return utils.SetRoleInContext(c, string(role))
	}

	// Seed a customer and an application created by the loan officer proxy.
	poCtx := asUser(1, models.UserRolePo)
	customer, err := models.CreateCustomer(poCtx, &models.NewCustomer{
		Name:  "Daw Mya",
		NrcNo: "12/TEST(N)000001",
	})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}

	application, err := models.CreateLoanApplication(poCtx, &models.NewLoanApplication{
		CustomerId: customer.ID,
		Amount:     decimal.NewFromInt(5000000),
		TermMonths: 12,
		Purpose:    "home repair",
	})
	if err != nil {
		t.Fatalf("CreateLoanApplication: %v", err)
	}
	if application.WorkflowStatus != models.WorkflowStatusPoCreated {
		t.Fatalf("new application status = %s", application.WorkflowStatus)
	}

	// Full approval chain, each step under its gating role.
	accountId := "ACC-IT-001"
	steps := []struct {
		actor     int
		role      models.UserRole
		to        models.WorkflowStatus
		accountId *string
	}{
		{actor: 2, role: models.UserRoleUser, to: models.WorkflowStatusUserCompleted},
		{actor: 3, role: models.UserRoleTeller, to: models.WorkflowStatusTellerProcessing},
		{actor: 3, role: models.UserRoleTeller, to: models.WorkflowStatusManagerReview, accountId: &accountId},
		{actor: 4, role: models.UserRoleManager, to: models.WorkflowStatusApproved},
	}
	for _, step := range steps {
		stepCtx := asUser(step.actor, step.role)
		updated, err := workflow.TransitionApplication(stepCtx, db, application.ID, step.to, step.accountId, "")
		if err != nil {
			t.Fatalf("transition to %s: %v", step.to, err)
		}
		if updated.WorkflowStatus != step.to {
			t.Fatalf("after transition got status %s, want %s", updated.WorkflowStatus, step.to)
		}
	}

	approved, err := models.GetLoanApplication(ctx, application.ID)
	if err != nil {
		t.Fatalf("GetLoanApplication: %v", err)
	}
	if approved.AccountId == nil || *approved.AccountId != accountId {
		t.Fatalf("account id not persisted: %v", approved.AccountId)
	}
	if approved.Status != "approved" || approved.LoanStatus != models.LoanStatusApproved {
		t.Fatalf("legacy mirrors = %q/%q", approved.Status, approved.LoanStatus)
	}

	var histories int64
	if err := db.Model(&models.History{}).Where("reference_id = ? AND reference_type = ?", application.ID, "loan_applications").Count(&histories).Error; err != nil {
		t.Fatalf("count histories: %v", err)
	}
	if histories != 4 {
		t.Fatalf("history rows = %d, want 4", histories)
	}

	// Manufacture two root folders for the same application, each with a file.
	rootA := models.Folder{Name: "LN-A", ApplicationId: application.ID}
	rootB := models.Folder{Name: "LN-B", ApplicationId: application.ID}
	if err := db.Create(&rootA).Error; err != nil {
		t.Fatalf("create root A: %v", err)
	}
	if err := db.Create(&rootB).Error; err != nil {
		t.Fatalf("create root B: %v", err)
	}
	for i, root := range []models.Folder{rootA, rootB} {
		folderId := root.ID
		file := models.File{
			Filename:      fmt.Sprintf("doc-%d.pdf", i),
			FileUrl:       fmt.Sprintf("gs://test/doc-%d.pdf", i),
			FolderId:      &folderId,
			ApplicationId: application.ID,
		}
		if err := db.Create(&file).Error; err != nil {
			t.Fatalf("create file %d: %v", i, err)
		}
	}

	service := workflow.NewVerificationService(db)
	result := service.VerifyFolderHierarchyConsistency(ctx)
	foundDuplicate := false
	for _, issue := range result.Issues {
		if issue.Type == models.SyncIssueDuplicateFolder && issue.EntityId == application.ID {
			foundDuplicate = true
		}
	}
	if !foundDuplicate {
		t.Fatalf("duplicate root not detected, issues: %+v", result.Issues)
	}

	// Dry run reports but does not change anything.
	dryReport, err := workflow.CleanupAllDuplicateFolders(ctx, db, true)
	if err != nil {
		t.Fatalf("dry-run cleanup: %v", err)
	}
	if !dryReport.DryRun || dryReport.RollbackId != "" {
		t.Fatalf("dry-run report = %+v", dryReport)
	}
	var rootCount int64
	if err := db.Model(&models.Folder{}).Where("application_id = ? AND parent_id IS NULL", application.ID).Count(&rootCount).Error; err != nil {
		t.Fatalf("count roots: %v", err)
	}
	if rootCount != 2 {
		t.Fatalf("dry run mutated: %d roots", rootCount)
	}

	// Real run consolidates into the oldest root and records a rollback.
	report, err := workflow.CleanupAllDuplicateFolders(asUser(1, models.UserRoleAdmin), db, false)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.RollbackId == "" {
		t.Fatalf("cleanup produced no rollback id: %+v", report)
	}
	if err := db.Model(&models.Folder{}).Where("application_id = ? AND parent_id IS NULL", application.ID).Count(&rootCount).Error; err != nil {
		t.Fatalf("count roots after cleanup: %v", err)
	}
	if rootCount != 1 {
		t.Fatalf("roots after cleanup = %d, want 1", rootCount)
	}
	var survivor models.Folder
	if err := db.Where("application_id = ? AND parent_id IS NULL", application.ID).First(&survivor).Error; err != nil {
		t.Fatalf("fetch survivor: %v", err)
	}
	if survivor.ID != rootA.ID {
		t.Fatalf("survivor = %d, want oldest root %d", survivor.ID, rootA.ID)
	}
	var survivorFiles int64
	if err := db.Model(&models.File{}).Where("folder_id = ?", survivor.ID).Count(&survivorFiles).Error; err != nil {
		t.Fatalf("count survivor files: %v", err)
	}
	if survivorFiles != 2 {
		t.Fatalf("survivor files = %d, want 2", survivorFiles)
	}

	// Rollback restores the deleted root and re-points its file.
	applied, err := workflow.RollbackCleanup(ctx, db, report.RollbackId)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !applied {
		t.Fatalf("rollback record not found or already consumed")
	}
	if err := db.Model(&models.Folder{}).Where("application_id = ? AND parent_id IS NULL", application.ID).Count(&rootCount).Error; err != nil {
		t.Fatalf("count roots after rollback: %v", err)
	}
	if rootCount != 2 {
		t.Fatalf("roots after rollback = %d, want 2", rootCount)
	}

	// A consumed record cannot be applied twice.
	applied, err = workflow.RollbackCleanup(ctx, db, report.RollbackId)
	if err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if applied {
		t.Fatalf("consumed rollback record was applied again")
	}

	// An unknown rollback id is a clean miss, not an error.
	applied, err = workflow.RollbackCleanup(ctx, db, "no-such-rollback")
	if err != nil {
		t.Fatalf("unknown rollback id: %v", err)
	}
	if applied {
		t.Fatalf("unknown rollback id reported as applied")
	}

	// The sweep must leave the per-application advisory lock free on the
	// pool, otherwise later transitions for this application block.
	var lockFree int
	lockName := fmt.Sprintf("loan_application:%d", application.ID)
	if err := db.Raw("SELECT IS_FREE_LOCK(?)", lockName).Scan(&lockFree).Error; err != nil {
		t.Fatalf("IS_FREE_LOCK: %v", err)
	}
	if lockFree != 1 {
		t.Fatalf("advisory lock %s still held after cleanup", lockName)
	}

	// An orphaned file (folder row gone) is detected and repaired by
	// clearing the reference while the row itself is untouched.
	missingFolderId := 999999
	orphan := models.File{
		Filename:      "orphan.pdf",
		FileUrl:       "gs://test/orphan.pdf",
		FolderId:      &missingFolderId,
		ApplicationId: application.ID,
	}
	if err := db.Create(&orphan).Error; err != nil {
		t.Fatalf("create orphan file: %v", err)
	}

	result = service.VerifyFileFolderConsistency(ctx)
	var orphanIssues []models.SyncIssue
	for _, issue := range result.Issues {
		if issue.Type == models.SyncIssueOrphanedFile && issue.EntityId == orphan.ID {
			orphanIssues = append(orphanIssues, issue)
		}
	}
	if len(orphanIssues) != 1 {
		t.Fatalf("orphaned file not detected, issues: %+v", result.Issues)
	}

	fixReport, err := service.AutoFixIssues(ctx, &models.SyncVerificationResult{Issues: orphanIssues})
	if err != nil {
		t.Fatalf("AutoFixIssues: %v", err)
	}
	if len(fixReport.FixedIssues) != 1 || len(fixReport.FailedFixes) != 0 {
		t.Fatalf("fix report = %+v", fixReport)
	}

	var repaired models.File
	if err := db.First(&repaired, orphan.ID).Error; err != nil {
		t.Fatalf("fetch repaired file: %v", err)
	}
	if repaired.FolderId != nil {
		t.Fatalf("folder_id not cleared: %v", *repaired.FolderId)
	}
	if repaired.Filename != "orphan.pdf" || repaired.ApplicationId != application.ID {
		t.Fatalf("repair altered the file row: %+v", repaired)
	}

	// Re-verification after repair comes back clean for this file.
	result = service.VerifyFileFolderConsistency(ctx)
	for _, issue := range result.Issues {
		if issue.EntityId == orphan.ID {
			t.Fatalf("repaired file still flagged: %+v", issue)
		}
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("loans-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("loans-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=pitiloans_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
