package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireApplicationLock serializes workflow transitions and folder repair
// per application across instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that runs the surrounding transaction.
func AcquireApplicationLock(tx *gorm.DB, applicationId int) error {
	lockName := fmt.Sprintf("loan_application:%d", applicationId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire workflow lock for application_id=%d", applicationId)
	}
	return nil
}

func ReleaseApplicationLock(tx *gorm.DB, applicationId int) {
	lockName := fmt.Sprintf("loan_application:%d", applicationId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
