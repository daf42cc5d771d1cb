package workflow

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/loans_backend/models"
	"gorm.io/gorm"
)

// ResolveApplicationFolder returns the folder that new uploads for the
// application should land in, creating missing pieces on the way. With a
// nil subfolder name it resolves the application root; otherwise a direct
// child of the root with that name.
//
// The root is created at most once: when several roots already exist
// (a consistency defect), the oldest one wins and no new root is created.
// Child lookup is by name under the chosen root, so sibling names stay
// unique. Callers must hold the application advisory lock.
func ResolveApplicationFolder(tx *gorm.DB, ctx context.Context, applicationId int, subfolderName *string) (*models.Folder, error) {
	roots, err := models.GetRootFolders(tx, ctx, applicationId)
	if err != nil {
		return nil, err
	}

	var root *models.Folder
	if len(roots) > 0 {
		root = roots[0]
	} else {
		root = &models.Folder{
			Name:          rootFolderName(tx, ctx, applicationId),
			ApplicationId: applicationId,
		}
		if err := root.Store(tx, ctx); err != nil {
			return nil, err
		}
	}

	if subfolderName == nil || *subfolderName == "" {
		return root, nil
	}

	children, err := models.GetChildFolders(tx, ctx, root.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if child.Name == *subfolderName {
			return child, nil
		}
	}

	child := &models.Folder{
		Name:          *subfolderName,
		ParentId:      &root.ID,
		ApplicationId: applicationId,
	}
	if err := child.Store(tx, ctx); err != nil {
		return nil, err
	}
	return child, nil
}

func rootFolderName(tx *gorm.DB, ctx context.Context, applicationId int) string {
	var application models.LoanApplication
	if err := tx.WithContext(ctx).First(&application, applicationId).Error; err == nil && application.ApplicationNo != "" {
		return application.ApplicationNo
	}
	return fmt.Sprintf("application-%d", applicationId)
}
