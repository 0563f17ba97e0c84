package db

import (
	"context"
	"errors"
	"fmt"

	"bothost/internal/logging"
	"bothost/pkg/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultPlans are created on first start. Existing plans are left alone so
// operators can tune them in the database.
var DefaultPlans = []models.Plan{
	{Name: DefaultPlanName, MaxBots: 1, CPULimit: 0.5, MemoryLimit: 256 << 20},
	{Name: "Basic", MaxBots: 3, CPULimit: 1.0, MemoryLimit: 512 << 20},
	{Name: "Pro", MaxBots: 10, CPULimit: 2.0, MemoryLimit: 1 << 30},
}

// SeedPlans creates any default plan that does not exist yet.
func (d *Database) SeedPlans(ctx context.Context) error {
	for _, p := range DefaultPlans {
		plan := p
		var n int64
		if err := d.DB.WithContext(ctx).Model(&models.Plan{}).Where("name = ?", plan.Name).Count(&n).Error; err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.Name, err)
		}
		if n > 0 {
			continue
		}
		if err := d.DB.WithContext(ctx).Create(&plan).Error; err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.Name, err)
		}
		logging.L().Info("plan created", zap.String("plan", plan.Name), zap.Int("max_bots", plan.MaxBots))
	}
	return nil
}

// SeedOwner ensures an OWNER account exists for email. An existing account
// is promoted and reactivated, keeping its password. passwordHash is only
// used when the account has to be created.
func (d *Database) SeedOwner(ctx context.Context, email, passwordHash string) error {
	var existing models.User
	err := d.DB.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	switch {
	case err == nil:
		if existing.Role == models.RoleOwner && existing.Status == models.UserStatusActive {
			return nil
		}
		if err := d.DB.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
			"role":   models.RoleOwner,
			"status": models.UserStatusActive,
		}).Error; err != nil {
			return fmt.Errorf("promote owner: %w", err)
		}
		logging.L().Info("owner privileges restored", zap.Uint("user_id", existing.ID))
		return nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("look up owner: %w", err)
	}

	var top models.Plan
	if err := d.DB.WithContext(ctx).Order("max_bots DESC").First(&top).Error; err != nil {
		return fmt.Errorf("owner plan: %w", err)
	}

	owner := models.User{
		Email:        email,
		PasswordHash: passwordHash,
		Role:         models.RoleOwner,
		Status:       models.UserStatusActive,
		PlanID:       top.ID,
	}
	if err := d.DB.WithContext(ctx).Create(&owner).Error; err != nil {
		return fmt.Errorf("create owner: %w", err)
	}

	logging.L().Info("owner account created", zap.Uint("user_id", owner.ID))
	return nil
}
