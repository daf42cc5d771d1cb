package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// treeSnapshot is an in-memory copy of the folder/file tables (optionally
// scoped to one application). All detection checks are pure functions
// over a snapshot, so the analysis is testable without a database and two
// runs over the same rows produce the same issues.
type treeSnapshot struct {
	Folders        []*models.Folder
	Files          []*models.File
	ApplicationIds map[int]bool
}

func (s *treeSnapshot) folderById() map[int]*models.Folder {
	index := make(map[int]*models.Folder, len(s.Folders))
	for _, folder := range s.Folders {
		index[folder.ID] = folder
	}
	return index
}

// rootsByApplication groups parentless folders per application, oldest
// first. Stable ordering keeps consolidation deterministic.
func (s *treeSnapshot) rootsByApplication() map[int][]*models.Folder {
	grouped := make(map[int][]*models.Folder)
	for _, folder := range s.Folders {
		if folder.IsRoot() {
			grouped[folder.ApplicationId] = append(grouped[folder.ApplicationId], folder)
		}
	}
	for _, roots := range grouped {
		sortFoldersOldestFirst(roots)
	}
	return grouped
}

func (s *treeSnapshot) childrenByParent() map[int][]*models.Folder {
	grouped := make(map[int][]*models.Folder)
	for _, folder := range s.Folders {
		if folder.ParentId != nil {
			grouped[*folder.ParentId] = append(grouped[*folder.ParentId], folder)
		}
	}
	for _, children := range grouped {
		sortFoldersOldestFirst(children)
	}
	return grouped
}

func (s *treeSnapshot) filesByFolder() map[int][]*models.File {
	grouped := make(map[int][]*models.File)
	for _, file := range s.Files {
		if file.FolderId != nil {
			grouped[*file.FolderId] = append(grouped[*file.FolderId], file)
		}
	}
	return grouped
}

func sortFoldersOldestFirst(folders []*models.Folder) {
	sort.SliceStable(folders, func(i, j int) bool {
		if folders[i].CreatedAt.Equal(folders[j].CreatedAt) {
			return folders[i].ID < folders[j].ID
		}
		return folders[i].CreatedAt.Before(folders[j].CreatedAt)
	})
}

func sortedApplicationIds[T any](grouped map[int]T) []int {
	ids := make([]int, 0, len(grouped))
	for id := range grouped {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func newIssue(issueType models.SyncIssueType, severity models.IssueSeverity, entityId int, entityType string, autoFixable bool, format string, args ...interface{}) models.SyncIssue {
	return models.SyncIssue{
		Type:        issueType,
		Severity:    severity,
		EntityId:    entityId,
		EntityType:  entityType,
		Description: fmt.Sprintf(format, args...),
		AutoFixable: autoFixable,
		DetectedAt:  time.Now().UTC(),
	}
}

// analyzeFileFolderConsistency flags files whose folder or application
// row no longer exists.
func analyzeFileFolderConsistency(snapshot *treeSnapshot) []models.SyncIssue {
	folders := snapshot.folderById()
	var issues []models.SyncIssue
	for _, file := range snapshot.Files {
		if file.FolderId != nil {
			if _, ok := folders[*file.FolderId]; !ok {
				issues = append(issues, newIssue(
					models.SyncIssueOrphanedFile, models.IssueSeverityHigh,
					file.ID, "file", true,
					"file %d (%s) references missing folder %d", file.ID, file.Filename, *file.FolderId))
			}
		}
		if !snapshot.ApplicationIds[file.ApplicationId] {
			issues = append(issues, newIssue(
				models.SyncIssueMissingApplication, models.IssueSeverityCritical,
				file.ID, "file", false,
				"file %d (%s) references missing application %d", file.ID, file.Filename, file.ApplicationId))
		}
	}
	return issues
}

// analyzeFolderHierarchy flags duplicate roots per application and
// folders whose parent row no longer exists.
func analyzeFolderHierarchy(snapshot *treeSnapshot) []models.SyncIssue {
	var issues []models.SyncIssue

	roots := snapshot.rootsByApplication()
	for _, applicationId := range sortedApplicationIds(roots) {
		if len(roots[applicationId]) > 1 {
			issues = append(issues, newIssue(
				models.SyncIssueDuplicateFolder, models.IssueSeverityHigh,
				applicationId, "application", true,
				"application %d has %d root folders, expected 1", applicationId, len(roots[applicationId])))
		}
	}

	folders := snapshot.folderById()
	for _, folder := range snapshot.Folders {
		if folder.ParentId == nil {
			continue
		}
		if _, ok := folders[*folder.ParentId]; !ok {
			issues = append(issues, newIssue(
				models.SyncIssueBrokenHierarchy, models.IssueSeverityHigh,
				folder.ID, "folder", true,
				"folder %d (%s) references missing parent %d", folder.ID, folder.Name, *folder.ParentId))
		}
	}
	return issues
}

const implausibleFileCount = 1000

// analyzeFileCounts flags folders with an implausibly high file count.
// Informational only.
func analyzeFileCounts(snapshot *treeSnapshot) []models.SyncIssue {
	files := snapshot.filesByFolder()
	var issues []models.SyncIssue
	for _, folder := range snapshot.Folders {
		if count := len(files[folder.ID]); count > implausibleFileCount {
			issues = append(issues, newIssue(
				models.SyncIssueInconsistentCounts, models.IssueSeverityMedium,
				folder.ID, "folder", false,
				"folder %d (%s) holds %d files", folder.ID, folder.Name, count))
		}
	}
	return issues
}

const emptyFolderThreshold = 5

// analyzeApplicationData counts folderless files (a valid state, not
// flagged) and flags applications with an excess of empty folders, a
// likely sync artifact.
func analyzeApplicationData(snapshot *treeSnapshot) []models.SyncIssue {
	files := snapshot.filesByFolder()
	children := snapshot.childrenByParent()

	emptyByApplication := make(map[int]int)
	for _, folder := range snapshot.Folders {
		if len(files[folder.ID]) == 0 && len(children[folder.ID]) == 0 {
			emptyByApplication[folder.ApplicationId]++
		}
	}

	var issues []models.SyncIssue
	for _, applicationId := range sortedApplicationIds(emptyByApplication) {
		if count := emptyByApplication[applicationId]; count > emptyFolderThreshold {
			issues = append(issues, newIssue(
				models.SyncIssueInconsistentCounts, models.IssueSeverityLow,
				applicationId, "application", false,
				"application %d has %d empty folders", applicationId, count))
		}
	}
	return issues
}

// VerificationService runs consistency checks and repairs over the
// folder/file tables. One instance per process; the bounded run history
// backs the verification-history endpoint.
type VerificationService struct {
	db      *gorm.DB
	logger  *logrus.Logger
	history *VerificationHistory
}

func NewVerificationService(db *gorm.DB) *VerificationService {
	return &VerificationService{
		db:      db,
		logger:  config.GetLogger(),
		history: NewVerificationHistory(defaultHistoryCapacity),
	}
}

func (s *VerificationService) History() *VerificationHistory {
	return s.history
}

func (s *VerificationService) loadSnapshot(ctx context.Context, applicationId *int) (*treeSnapshot, error) {
	snapshot := &treeSnapshot{ApplicationIds: make(map[int]bool)}

	folderQuery := s.db.WithContext(ctx).Order("id ASC")
	fileQuery := s.db.WithContext(ctx).Order("id ASC")
	applicationQuery := s.db.WithContext(ctx).Model(&models.LoanApplication{})
	if applicationId != nil {
		folderQuery = folderQuery.Where("application_id = ?", *applicationId)
		fileQuery = fileQuery.Where("application_id = ?", *applicationId)
		applicationQuery = applicationQuery.Where("id = ?", *applicationId)
	}

	if err := folderQuery.Find(&snapshot.Folders).Error; err != nil {
		return nil, err
	}
	if err := fileQuery.Find(&snapshot.Files).Error; err != nil {
		return nil, err
	}
	var ids []int
	if err := applicationQuery.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	for _, id := range ids {
		snapshot.ApplicationIds[id] = true
	}
	return snapshot, nil
}

// runCheck wraps one detection check: loads a snapshot, runs the pure
// analysis, and converts any load failure into a single STALE_CACHE
// issue so a broken check never aborts its siblings.
func (s *VerificationService) runCheck(ctx context.Context, scope string, applicationId *int, analyze func(*treeSnapshot) []models.SyncIssue) *models.SyncVerificationResult {
	started := time.Now()
	result := &models.SyncVerificationResult{
		Scope:     scope,
		Timestamp: started.UTC(),
	}

	snapshot, err := s.loadSnapshot(ctx, applicationId)
	if err != nil {
		config.LogError(s.logger, "workflow", "runCheck", scope, applicationId, err)
		result.Issues = []models.SyncIssue{newIssue(
			models.SyncIssueStaleCache, models.IssueSeverityMedium,
			0, "check", false,
			"%s check failed: %v", scope, err)}
		result.Duration = time.Since(started)
		return result
	}

	result.Issues = analyze(snapshot)
	result.EntitiesExamined = len(snapshot.Folders) + len(snapshot.Files)
	result.Duration = time.Since(started)
	return result
}

func (s *VerificationService) VerifyFileFolderConsistency(ctx context.Context) *models.SyncVerificationResult {
	return s.runCheck(ctx, "file_folder_consistency", nil, analyzeFileFolderConsistency)
}

func (s *VerificationService) VerifyFolderHierarchyConsistency(ctx context.Context) *models.SyncVerificationResult {
	return s.runCheck(ctx, "folder_hierarchy_consistency", nil, analyzeFolderHierarchy)
}

func (s *VerificationService) VerifyFileCountSanity(ctx context.Context) *models.SyncVerificationResult {
	return s.runCheck(ctx, "file_count_sanity", nil, analyzeFileCounts)
}

// VerifyApplicationDataConsistency scopes the per-application scan to one
// application when applicationId is non-nil.
func (s *VerificationService) VerifyApplicationDataConsistency(ctx context.Context, applicationId *int) *models.SyncVerificationResult {
	return s.runCheck(ctx, "application_data_consistency", applicationId, analyzeApplicationData)
}

// RunComprehensiveVerification runs all four checks in a fixed order
// (file-folder, hierarchy, counts, per-application) and records the
// pass in the bounded history.
func (s *VerificationService) RunComprehensiveVerification(ctx context.Context) map[string]*models.SyncVerificationResult {
	results := make(map[string]*models.SyncVerificationResult, 4)
	results["file_folder_consistency"] = s.VerifyFileFolderConsistency(ctx)
	results["folder_hierarchy_consistency"] = s.VerifyFolderHierarchyConsistency(ctx)
	results["file_count_sanity"] = s.VerifyFileCountSanity(ctx)
	results["application_data_consistency"] = s.VerifyApplicationDataConsistency(ctx, nil)
	s.history.Append(VerificationRun{
		Timestamp: time.Now().UTC(),
		Results:   results,
	})
	return results
}

// FailedFix records one issue whose repair failed.
type FailedFix struct {
	EntityId int    `json:"entity_id"`
	Error    string `json:"error"`
}

// FixReport is the outcome of one repair batch.
type FixReport struct {
	FixedIssues []int       `json:"fixed_issues"`
	FailedFixes []FailedFix `json:"failed_fixes"`
}

// applyFixes folds the auto-fixable issues through fix, collecting
// successes and per-issue failures. The loop never aborts on a single
// failure.
func applyFixes(issues []models.SyncIssue, fix func(models.SyncIssue) error) *FixReport {
	report := &FixReport{}
	for _, issue := range issues {
		if !issue.AutoFixable {
			continue
		}
		if err := fix(issue); err != nil {
			report.FailedFixes = append(report.FailedFixes, FailedFix{
				EntityId: issue.EntityId,
				Error:    err.Error(),
			})
			continue
		}
		report.FixedIssues = append(report.FixedIssues, issue.EntityId)
	}
	return report
}

// AutoFixIssues repairs the auto-fixable issues of one verification
// result. Per-issue failures are collected and the loop continues; the
// whole batch commits in a single transaction, and a commit failure is
// reported as zero fixes with the error surfaced. One pass only: fixing
// one issue can surface another (clearing a broken parent makes a new
// root), so callers re-run verification afterwards.
func (s *VerificationService) AutoFixIssues(ctx context.Context, result *models.SyncVerificationResult) (*FixReport, error) {
	report := &FixReport{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		report = applyFixes(result.Issues, func(issue models.SyncIssue) error {
			return s.fixIssue(tx, ctx, issue)
		})
		return nil
	})
	if err != nil {
		config.LogError(s.logger, "workflow", "AutoFixIssues", result.Scope, nil, err)
		return &FixReport{}, err
	}

	return report, nil
}

func (s *VerificationService) fixIssue(tx *gorm.DB, ctx context.Context, issue models.SyncIssue) error {
	switch issue.Type {
	case models.SyncIssueOrphanedFile:
		return tx.WithContext(ctx).Model(&models.File{}).
			Where("id = ?", issue.EntityId).
			Update("folder_id", nil).Error
	case models.SyncIssueDuplicateFolder:
		_, err := consolidateApplicationRoots(tx, ctx, issue.EntityId)
		return err
	case models.SyncIssueBrokenHierarchy:
		return tx.WithContext(ctx).Model(&models.Folder{}).
			Where("id = ?", issue.EntityId).
			Update("parent_id", nil).Error
	default:
		return fmt.Errorf("issue type %s has no repair action", issue.Type)
	}
}
