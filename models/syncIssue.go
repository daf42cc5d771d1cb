package models

import "time"

// SyncIssue is one detected folder/file inconsistency. Ephemeral:
// produced per verification call, never persisted.
type SyncIssue struct {
	Type        SyncIssueType `json:"type"`
	Severity    IssueSeverity `json:"severity"`
	EntityId    int           `json:"entity_id"`
	EntityType  string        `json:"entity_type"`
	Description string        `json:"description"`
	AutoFixable bool          `json:"auto_fixable"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// SyncVerificationResult is one verification pass's output.
type SyncVerificationResult struct {
	Scope            string        `json:"scope"`
	Issues           []SyncIssue   `json:"issues"`
	EntitiesExamined int           `json:"entities_examined"`
	Duration         time.Duration `json:"duration"`
	Timestamp        time.Time     `json:"timestamp"`
}

func (r *SyncVerificationResult) HasIssues() bool {
	return len(r.Issues) > 0
}

func (r *SyncVerificationResult) CriticalCount() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == IssueSeverityCritical {
			n++
		}
	}
	return n
}

func (r *SyncVerificationResult) AutoFixableCount() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.AutoFixable {
			n++
		}
	}
	return n
}

// ApplicationCleanupStats is one application's slice of a cleanup run.
type ApplicationCleanupStats struct {
	ApplicationId  int `json:"application_id"`
	FoldersBefore  int `json:"folders_before"`
	FoldersAfter   int `json:"folders_after"`
	FilesBefore    int `json:"files_before"`
	FilesAfter     int `json:"files_after"`
	FoldersRemoved int `json:"folders_removed"`
	FilesMoved     int `json:"files_moved"`
	ChildrenMerged int `json:"children_merged"`
}

// CleanupReport is one cleanup run's outcome. RollbackId is empty for
// dry runs (nothing to reverse).
type CleanupReport struct {
	DryRun       bool                      `json:"dry_run"`
	Applications []ApplicationCleanupStats `json:"applications"`
	RollbackId   string                    `json:"rollback_id,omitempty"`
	Duration     time.Duration             `json:"duration"`
	Timestamp    time.Time                 `json:"timestamp"`
}

func (r *CleanupReport) TotalFoldersRemoved() int {
	n := 0
	for _, app := range r.Applications {
		n += app.FoldersRemoved
	}
	return n
}

func (r *CleanupReport) TotalFilesMoved() int {
	n := 0
	for _, app := range r.Applications {
		n += app.FilesMoved
	}
	return n
}
