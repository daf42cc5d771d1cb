package workflow

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/loans_backend/config"
	"bitbucket.org/mmdatafocus/loans_backend/models"
	"bitbucket.org/mmdatafocus/loans_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type fileMove struct {
	FileId int
	From   *int
	To     int
}

type childMove struct {
	FolderId int
	From     *int
	To       int
}

// consolidationPlan is the full set of row changes that collapses one
// application's surplus root folders into the earliest-created one.
// Built as a pure function over in-memory rows, applied in one pass.
type consolidationPlan struct {
	ApplicationId  int
	SurvivorId     int
	FileMoves      []fileMove
	ChildMoves     []childMove
	DeletedFolders []models.DeletedFolderSnapshot
	ChildrenMerged int
}

func (p *consolidationPlan) isEmpty() bool {
	return len(p.FileMoves) == 0 && len(p.ChildMoves) == 0 && len(p.DeletedFolders) == 0
}

func deletedSnapshot(folder *models.Folder) models.DeletedFolderSnapshot {
	return models.DeletedFolderSnapshot{
		FolderId:      folder.ID,
		Name:          folder.Name,
		ParentId:      folder.ParentId,
		ApplicationId: folder.ApplicationId,
		CreatedAt:     folder.CreatedAt,
	}
}

// buildConsolidationPlan keeps roots[0] (callers pass roots oldest
// first) and folds the rest into it. A child of a losing root whose name
// collides with an existing child of the survivor is merged: its files
// and children move into the existing child and the duplicate folder is
// deleted. Deeper collisions are left for a later run.
func buildConsolidationPlan(roots []*models.Folder, childrenByParent map[int][]*models.Folder, filesByFolder map[int][]*models.File) *consolidationPlan {
	plan := &consolidationPlan{
		ApplicationId: roots[0].ApplicationId,
		SurvivorId:    roots[0].ID,
	}
	if len(roots) < 2 {
		return plan
	}

	survivorChildByName := make(map[string]int)
	for _, child := range childrenByParent[plan.SurvivorId] {
		survivorChildByName[child.Name] = child.ID
	}

	moveFolderContents := func(folder *models.Folder, targetId int) {
		for _, file := range filesByFolder[folder.ID] {
			plan.FileMoves = append(plan.FileMoves, fileMove{FileId: file.ID, From: file.FolderId, To: targetId})
		}
		for _, grandchild := range childrenByParent[folder.ID] {
			plan.ChildMoves = append(plan.ChildMoves, childMove{FolderId: grandchild.ID, From: grandchild.ParentId, To: targetId})
		}
	}

	for _, root := range roots[1:] {
		for _, child := range childrenByParent[root.ID] {
			if existingId, ok := survivorChildByName[child.Name]; ok {
				moveFolderContents(child, existingId)
				plan.DeletedFolders = append(plan.DeletedFolders, deletedSnapshot(child))
				plan.ChildrenMerged++
			} else {
				plan.ChildMoves = append(plan.ChildMoves, childMove{FolderId: child.ID, From: child.ParentId, To: plan.SurvivorId})
				survivorChildByName[child.Name] = child.ID
			}
		}
		moveRootFiles := filesByFolder[root.ID]
		for _, file := range moveRootFiles {
			plan.FileMoves = append(plan.FileMoves, fileMove{FileId: file.ID, From: file.FolderId, To: plan.SurvivorId})
		}
		plan.DeletedFolders = append(plan.DeletedFolders, deletedSnapshot(root))
	}
	return plan
}

func applyConsolidationPlan(tx *gorm.DB, ctx context.Context, plan *consolidationPlan) error {
	for _, move := range plan.FileMoves {
		if err := tx.WithContext(ctx).Model(&models.File{}).
			Where("id = ?", move.FileId).
			Update("folder_id", move.To).Error; err != nil {
			return err
		}
	}
	for _, move := range plan.ChildMoves {
		if err := tx.WithContext(ctx).Model(&models.Folder{}).
			Where("id = ?", move.FolderId).
			Update("parent_id", move.To).Error; err != nil {
			return err
		}
	}
	for _, deleted := range plan.DeletedFolders {
		if err := tx.WithContext(ctx).Delete(&models.Folder{}, deleted.FolderId).Error; err != nil {
			return err
		}
	}
	return nil
}

func planApplicationConsolidation(tx *gorm.DB, ctx context.Context, applicationId int) (*consolidationPlan, error) {
	folders, err := models.GetApplicationFolders(tx, ctx, applicationId)
	if err != nil {
		return nil, err
	}
	files, err := models.GetApplicationFiles(tx, ctx, applicationId)
	if err != nil {
		return nil, err
	}

	snapshot := &treeSnapshot{Folders: folders, Files: files}
	roots := snapshot.rootsByApplication()[applicationId]
	if len(roots) == 0 {
		return &consolidationPlan{ApplicationId: applicationId}, nil
	}
	return buildConsolidationPlan(roots, snapshot.childrenByParent(), snapshot.filesByFolder()), nil
}

// consolidateApplicationRoots plans and applies root consolidation for
// one application inside the caller's transaction. Used by the per-issue
// auto-fix path, which does not record rollback state.
func consolidateApplicationRoots(tx *gorm.DB, ctx context.Context, applicationId int) (*consolidationPlan, error) {
	plan, err := planApplicationConsolidation(tx, ctx, applicationId)
	if err != nil {
		return nil, err
	}
	if plan.isEmpty() {
		return plan, nil
	}
	if err := applyConsolidationPlan(tx, ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func duplicateRootApplicationIds(tx *gorm.DB, ctx context.Context) ([]int, error) {
	var ids []int
	err := tx.WithContext(ctx).Model(&models.Folder{}).
		Where("parent_id IS NULL").
		Group("application_id").
		Having("COUNT(*) > 1").
		Order("application_id ASC").
		Pluck("application_id", &ids).Error
	return ids, err
}

func appendPlanToPayload(payload *models.RollbackPayload, plan *consolidationPlan) {
	for _, move := range plan.FileMoves {
		payload.MovedFiles = append(payload.MovedFiles, models.MovedFileSnapshot{
			FileId:        move.FileId,
			PriorFolderId: move.From,
		})
	}
	for _, move := range plan.ChildMoves {
		payload.MovedChildren = append(payload.MovedChildren, models.MovedChildSnapshot{
			FolderId:      move.FolderId,
			PriorParentId: move.From,
		})
	}
	payload.DeletedFolders = append(payload.DeletedFolders, plan.DeletedFolders...)
}

func statsForPlan(tx *gorm.DB, ctx context.Context, plan *consolidationPlan) (models.ApplicationCleanupStats, error) {
	stats := models.ApplicationCleanupStats{ApplicationId: plan.ApplicationId}

	var folderCount, fileCount int64
	if err := tx.WithContext(ctx).Model(&models.Folder{}).
		Where("application_id = ?", plan.ApplicationId).Count(&folderCount).Error; err != nil {
		return stats, err
	}
	if err := tx.WithContext(ctx).Model(&models.File{}).
		Where("application_id = ?", plan.ApplicationId).Count(&fileCount).Error; err != nil {
		return stats, err
	}

	stats.FoldersBefore = int(folderCount)
	stats.FilesBefore = int(fileCount)
	stats.FoldersRemoved = len(plan.DeletedFolders)
	stats.FilesMoved = len(plan.FileMoves)
	stats.ChildrenMerged = plan.ChildrenMerged
	stats.FoldersAfter = stats.FoldersBefore - stats.FoldersRemoved
	stats.FilesAfter = stats.FilesBefore
	return stats, nil
}

// consolidateForSweep handles one application of a bulk sweep. The
// advisory lock is released by defer so an error from planning or
// applying cannot leave the lock held on the pooled connection.
func consolidateForSweep(tx *gorm.DB, ctx context.Context, applicationId int, dryRun bool, payload *models.RollbackPayload) (models.ApplicationCleanupStats, error) {
	if !dryRun {
		if err := AcquireApplicationLock(tx, applicationId); err != nil {
			return models.ApplicationCleanupStats{}, err
		}
		defer ReleaseApplicationLock(tx, applicationId)
	}

	plan, err := planApplicationConsolidation(tx, ctx, applicationId)
	if err != nil {
		return models.ApplicationCleanupStats{}, err
	}
	stats, err := statsForPlan(tx, ctx, plan)
	if err != nil {
		return models.ApplicationCleanupStats{}, err
	}

	if !dryRun && !plan.isEmpty() {
		if err := applyConsolidationPlan(tx, ctx, plan); err != nil {
			return models.ApplicationCleanupStats{}, err
		}
		appendPlanToPayload(payload, plan)
	}
	return stats, nil
}

// CleanupAllDuplicateFolders is the bulk structural repair: every
// application with more than one root folder gets consolidated into its
// earliest root. Dry runs plan and report without touching any row. Real
// runs execute as one transaction per sweep, serialized per application
// by the advisory lock, and persist a rollback record covering the whole
// run. A process-wide redis lock keeps concurrent sweeps (scheduler plus
// operator tool) from interleaving.
func CleanupAllDuplicateFolders(ctx context.Context, db *gorm.DB, dryRun bool) (*models.CleanupReport, error) {
	started := time.Now()
	report := &models.CleanupReport{
		DryRun:    dryRun,
		Timestamp: started.UTC(),
	}

	if !dryRun {
		release, err := utils.CleanupLock(ctx, "all", "workflow", "CleanupAllDuplicateFolders")
		if err != nil {
			return nil, err
		}
		defer release()
	}

	payload := &models.RollbackPayload{}
	logger := config.GetLogger()

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applicationIds, err := duplicateRootApplicationIds(tx, ctx)
		if err != nil {
			return err
		}

		for _, applicationId := range applicationIds {
			stats, err := consolidateForSweep(tx, ctx, applicationId, dryRun, payload)
			if err != nil {
				return err
			}
			report.Applications = append(report.Applications, stats)
		}

		if !dryRun && (len(payload.DeletedFolders) > 0 || len(payload.MovedFiles) > 0 || len(payload.MovedChildren) > 0) {
			report.RollbackId = uuid.NewString()
			if err := models.StoreRollbackRecord(tx, ctx, report.RollbackId, payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(logger, "workflow", "CleanupAllDuplicateFolders", "cleanup sweep failed", dryRun, err)
		return nil, err
	}

	report.Duration = time.Since(started)
	return report, nil
}

// RollbackCleanup reverses one prior cleanup run: deleted folders are
// re-created with their original ids, then moved children and files get
// their prior references back. Returns false when the record is missing
// or already consumed. A record is consumable exactly once.
func RollbackCleanup(ctx context.Context, db *gorm.DB, rollbackId string) (bool, error) {
	record, err := models.GetRollbackRecord(ctx, rollbackId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if record.ConsumedAt != nil {
		return false, nil
	}

	payload, err := record.DecodePayload()
	if err != nil {
		return false, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// parents before children so foreign references resolve
		restored := make([]models.DeletedFolderSnapshot, len(payload.DeletedFolders))
		copy(restored, payload.DeletedFolders)
		sort.SliceStable(restored, func(i, j int) bool {
			if (restored[i].ParentId == nil) != (restored[j].ParentId == nil) {
				return restored[i].ParentId == nil
			}
			return restored[i].FolderId < restored[j].FolderId
		})
		for _, deleted := range restored {
			folder := models.Folder{
				ID:            deleted.FolderId,
				Name:          deleted.Name,
				ParentId:      deleted.ParentId,
				ApplicationId: deleted.ApplicationId,
				CreatedAt:     deleted.CreatedAt,
			}
			if err := tx.WithContext(ctx).Create(&folder).Error; err != nil {
				return err
			}
		}

		for _, moved := range payload.MovedChildren {
			if err := tx.WithContext(ctx).Model(&models.Folder{}).
				Where("id = ?", moved.FolderId).
				Update("parent_id", moved.PriorParentId).Error; err != nil {
				return err
			}
		}
		for _, moved := range payload.MovedFiles {
			if err := tx.WithContext(ctx).Model(&models.File{}).
				Where("id = ?", moved.FileId).
				Update("folder_id", moved.PriorFolderId).Error; err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		return tx.WithContext(ctx).Model(&models.CleanupRollbackRecord{}).
			Where("id = ?", record.ID).
			Update("consumed_at", &now).Error
	})
	if err != nil {
		config.LogError(config.GetLogger(), "workflow", "RollbackCleanup", rollbackId, nil, err)
		return false, err
	}
	return true, nil
}
