// Package repo — repository functions for the tenant catalog.
package repo

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mochat/wearchive/internal/domain"
)

// ListEnabledTenants returns every tenant whose poll loop should run.
func ListEnabledTenants(db *gorm.DB) ([]domain.Tenant, error) {
	var out []domain.Tenant
	err := db.Where("status = ?", domain.TenantStatusEnabled).Find(&out).Error
	return out, err
}

// FindTenant looks up one tenant by its external id.
func FindTenant(db *gorm.DB, tenantID string) (*domain.Tenant, bool, error) {
	var t domain.Tenant
	err := db.Where("corpid = ?", tenantID).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

// UpsertTenant writes a tenant row keyed on its external id.
func UpsertTenant(db *gorm.DB, t *domain.Tenant) error {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "corpid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"corpname", "secret", "prikey", "status", "batch_mode", "updated_at",
		}),
	}).Create(t).Error
}
