package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/models"
)

// NOTE: These tests are intentionally DB-free. Detection is a pure
// analysis over a row snapshot, so the semantics are covered here;
// loaders and repair persistence need MySQL and belong to the
// integration suite.

var fixtureBase = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func testFolder(id int, name string, parentId *int, applicationId int, createdOffset time.Duration) *models.Folder {
	return &models.Folder{
		ID:            id,
		Name:          name,
		ParentId:      parentId,
		ApplicationId: applicationId,
		CreatedAt:     fixtureBase.Add(createdOffset),
	}
}

func testFile(id int, folderId *int, applicationId int) *models.File {
	return &models.File{
		ID:            id,
		Filename:      "doc.pdf",
		FolderId:      folderId,
		ApplicationId: applicationId,
	}
}

func intPtr(v int) *int {
	return &v
}

func issueKeys(issues []models.SyncIssue) []string {
	keys := make([]string, 0, len(issues))
	for _, issue := range issues {
		keys = append(keys, fmt.Sprintf("%s:%s:%d", issue.Type, issue.EntityType, issue.EntityId))
	}
	return keys
}

func TestAnalyzeFileFolderConsistency(t *testing.T) {
	snapshot := &treeSnapshot{
		Folders: []*models.Folder{
			testFolder(1, "root", nil, 10, 0),
		},
		Files: []*models.File{
			testFile(100, intPtr(1), 10),  // fine
			testFile(101, intPtr(99), 10), // folder missing
			testFile(102, nil, 10),        // application-level, fine
			testFile(103, intPtr(1), 77),  // application missing
		},
		ApplicationIds: map[int]bool{10: true},
	}

	issues := analyzeFileFolderConsistency(snapshot)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d: %v", len(issues), issueKeys(issues))
	}

	orphan := issues[0]
	if orphan.Type != models.SyncIssueOrphanedFile || orphan.EntityId != 101 {
		t.Errorf("expected ORPHANED_FILE for file 101, got %s for %d", orphan.Type, orphan.EntityId)
	}
	if orphan.Severity != models.IssueSeverityHigh || !orphan.AutoFixable {
		t.Errorf("orphaned file must be high severity and auto-fixable: %+v", orphan)
	}

	missing := issues[1]
	if missing.Type != models.SyncIssueMissingApplication || missing.EntityId != 103 {
		t.Errorf("expected MISSING_APPLICATION for file 103, got %s for %d", missing.Type, missing.EntityId)
	}
	if missing.Severity != models.IssueSeverityCritical || missing.AutoFixable {
		t.Errorf("missing application must be critical and not auto-fixable: %+v", missing)
	}
}

func TestAnalyzeFolderHierarchy(t *testing.T) {
	snapshot := &treeSnapshot{
		Folders: []*models.Folder{
			testFolder(1, "root", nil, 10, 0),
			testFolder(2, "root", nil, 10, time.Hour), // duplicate root
			testFolder(3, "docs", intPtr(1), 10, 2*time.Hour),
			testFolder(4, "stray", intPtr(99), 10, 3*time.Hour), // parent missing
			testFolder(5, "root", nil, 20, 0),                   // clean application
		},
		ApplicationIds: map[int]bool{10: true, 20: true},
	}

	issues := analyzeFolderHierarchy(snapshot)
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d: %v", len(issues), issueKeys(issues))
	}

	dup := issues[0]
	if dup.Type != models.SyncIssueDuplicateFolder || dup.EntityId != 10 || dup.EntityType != "application" {
		t.Errorf("expected DUPLICATE_FOLDER for application 10, got %+v", dup)
	}
	if !dup.AutoFixable {
		t.Error("duplicate root must be auto-fixable")
	}

	broken := issues[1]
	if broken.Type != models.SyncIssueBrokenHierarchy || broken.EntityId != 4 {
		t.Errorf("expected BROKEN_HIERARCHY for folder 4, got %+v", broken)
	}
	if !broken.AutoFixable {
		t.Error("broken hierarchy must be auto-fixable")
	}
}

func TestDetectionIdempotence(t *testing.T) {
	snapshot := &treeSnapshot{
		Folders: []*models.Folder{
			testFolder(2, "root-b", nil, 10, time.Hour),
			testFolder(1, "root-a", nil, 10, 0),
			testFolder(4, "stray", intPtr(99), 10, 2*time.Hour),
		},
		ApplicationIds: map[int]bool{10: true},
	}

	first := issueKeys(analyzeFolderHierarchy(snapshot))
	second := issueKeys(analyzeFolderHierarchy(snapshot))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("two runs over the same rows diverged: %v vs %v", first, second)
	}
}

func TestAnalyzeFileCountsThreshold(t *testing.T) {
	atLimit := &treeSnapshot{
		Folders: []*models.Folder{testFolder(1, "root", nil, 10, 0)},
	}
	for i := 0; i < implausibleFileCount; i++ {
		atLimit.Files = append(atLimit.Files, testFile(1000+i, intPtr(1), 10))
	}
	if issues := analyzeFileCounts(atLimit); len(issues) != 0 {
		t.Errorf("exactly %d files should not be flagged, got %v", implausibleFileCount, issueKeys(issues))
	}

	atLimit.Files = append(atLimit.Files, testFile(9999, intPtr(1), 10))
	issues := analyzeFileCounts(atLimit)
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue above the limit, got %d", len(issues))
	}
	if issues[0].Type != models.SyncIssueInconsistentCounts || issues[0].Severity != models.IssueSeverityMedium || issues[0].AutoFixable {
		t.Errorf("file count issue must be medium severity and informational: %+v", issues[0])
	}
}

func TestAnalyzeApplicationDataEmptyFolders(t *testing.T) {
	snapshot := &treeSnapshot{ApplicationIds: map[int]bool{10: true}}
	for i := 1; i <= emptyFolderThreshold; i++ {
		snapshot.Folders = append(snapshot.Folders, testFolder(i, "empty", nil, 10, time.Duration(i)*time.Minute))
	}
	if issues := analyzeApplicationData(snapshot); len(issues) != 0 {
		t.Errorf("%d empty folders is within threshold, got %v", emptyFolderThreshold, issueKeys(issues))
	}

	snapshot.Folders = append(snapshot.Folders, testFolder(99, "another", nil, 10, time.Hour))
	issues := analyzeApplicationData(snapshot)
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue above the threshold, got %d", len(issues))
	}
	if issues[0].Severity != models.IssueSeverityLow || issues[0].AutoFixable || issues[0].EntityId != 10 {
		t.Errorf("empty folder issue must be low severity, informational, per application: %+v", issues[0])
	}
}

func TestAnalyzeApplicationData_FolderlessFilesNotFlagged(t *testing.T) {
	snapshot := &treeSnapshot{
		Folders:        []*models.Folder{testFolder(1, "root", nil, 10, 0)},
		Files:          []*models.File{testFile(100, nil, 10), testFile(101, intPtr(1), 10)},
		ApplicationIds: map[int]bool{10: true},
	}
	if issues := analyzeApplicationData(snapshot); len(issues) != 0 {
		t.Errorf("application-level files are a valid state, got %v", issueKeys(issues))
	}
}

func TestApplyFixes_PartialFailure(t *testing.T) {
	issues := []models.SyncIssue{
		{Type: models.SyncIssueOrphanedFile, EntityId: 1, AutoFixable: true},
		{Type: models.SyncIssueOrphanedFile, EntityId: 2, AutoFixable: true},
		{Type: models.SyncIssueMissingApplication, EntityId: 3, AutoFixable: false},
		{Type: models.SyncIssueOrphanedFile, EntityId: 4, AutoFixable: true},
	}

	report := applyFixes(issues, func(issue models.SyncIssue) error {
		if issue.EntityId == 2 {
			return errors.New("row locked")
		}
		return nil
	})

	if !reflect.DeepEqual(report.FixedIssues, []int{1, 4}) {
		t.Errorf("expected fixes for 1 and 4, got %v", report.FixedIssues)
	}
	if len(report.FailedFixes) != 1 || report.FailedFixes[0].EntityId != 2 || report.FailedFixes[0].Error != "row locked" {
		t.Errorf("expected a single recorded failure for entity 2, got %+v", report.FailedFixes)
	}
}
