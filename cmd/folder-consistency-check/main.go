// folder-consistency-check scans the folder/file tables for structural
// violations and optionally repairs them.
//
// Dry-run (default): detect and report only
//   go run ./cmd/folder-consistency-check
//
// Scope to one application:
//   go run ./cmd/folder-consistency-check -application-id=42
//
// Repair auto-fixable issues and consolidate duplicate roots:
//   go run ./cmd/folder-consistency-check -fix -confirm=FIX
//
// Reverse a prior cleanup run:
//   go run ./cmd/folder-consistency-check -rollback=<rollback-id>
//
// Purge consumed rollback records older than 30 days:
//   go run ./cmd/folder-consistency-check -purge-rollbacks
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/models"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"bitbucket.org/mmdatafocus/loans_backend/workflow"
)

func main() {
	applicationID := flag.Int("application-id", 0, "Optional: scope the per-application check to one application")
	fix := flag.Bool("fix", false, "Repair auto-fixable issues and consolidate duplicate roots")
	confirm := flag.String("confirm", "", "Type FIX to proceed when -fix is set")
	rollback := flag.String("rollback", "", "Reverse a prior cleanup run by rollback id")
	purgeRollbacks := flag.Bool("purge-rollbacks", false, "Delete consumed rollback records older than -purge-days")
	purgeDays := flag.Int("purge-days", 30, "Retention window for -purge-rollbacks")
	flag.Parse()

	if *fix && strings.TrimSpace(*confirm) != "FIX" {
		fmt.Fprintln(os.Stderr, "set -confirm=FIX to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 0)
	ctx = utils.SetUserNameInContext(ctx, "folder-consistency-check")

	if *rollback != "" {
		ok, err := workflow.RollbackCleanup(ctx, db, *rollback)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rollback failed: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintln(os.Stderr, "rollback record not found or already consumed")
			os.Exit(2)
		}
		fmt.Printf("rollback %s applied\n", *rollback)
		return
	}

	if *purgeRollbacks {
		cutoff := time.Now().AddDate(0, 0, -*purgeDays)
		removed, err := models.PurgeConsumedRollbackRecords(ctx, cutoff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "purge failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("purged %d consumed rollback records older than %s\n", removed, cutoff.Format("2006-01-02"))
		return
	}

	service := workflow.NewVerificationService(db)

	var results map[string]*models.SyncVerificationResult
	if *applicationID > 0 {
		results = map[string]*models.SyncVerificationResult{
			"application_data_consistency": service.VerifyApplicationDataConsistency(ctx, applicationID),
		}
	} else {
		results = service.RunComprehensiveVerification(ctx)
	}

	total := 0
	for name, result := range results {
		fmt.Printf("%s: %d entities, %d issues (%d critical, %d auto-fixable) in %s\n",
			name, result.EntitiesExamined, len(result.Issues), result.CriticalCount(), result.AutoFixableCount(), result.Duration)
		for _, issue := range result.Issues {
			fmt.Printf("  [%s/%s] %s=%d %s\n", issue.Type, issue.Severity, issue.EntityType, issue.EntityId, issue.Description)
		}
		total += len(result.Issues)
	}
	if total == 0 {
		fmt.Println("no issues found")
		return
	}

	if !*fix {
		fmt.Println("dry run; re-run with -fix -confirm=FIX to repair auto-fixable issues")
		return
	}

	for name, result := range results {
		if result.AutoFixableCount() == 0 {
			continue
		}
		report, err := service.AutoFixIssues(ctx, result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fix failed for %s: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("%s: fixed %d, failed %d\n", name, len(report.FixedIssues), len(report.FailedFixes))
		for _, failed := range report.FailedFixes {
			fmt.Printf("  entity=%d: %s\n", failed.EntityId, failed.Error)
		}
	}

	cleanupReport, err := workflow.CleanupAllDuplicateFolders(ctx, db, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "duplicate folder cleanup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("cleanup: %d applications, %d folders removed, %d files moved",
		len(cleanupReport.Applications), cleanupReport.TotalFoldersRemoved(), cleanupReport.TotalFilesMoved())
	if cleanupReport.RollbackId != "" {
		fmt.Printf(" (rollback id %s)", cleanupReport.RollbackId)
	}
	fmt.Println()
	fmt.Println("re-run without -fix to confirm a clean state")
}
