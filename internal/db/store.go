package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bothost/internal/auth"
	"bothost/internal/bots"
	"bothost/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPlanName is the plan assigned to newly registered users.
const DefaultPlanName = "Free"

// Store implements bots.Store and auth.UserStore on top of GORM.
type Store struct {
	db *gorm.DB
}

var (
	_ bots.Store     = (*Store)(nil)
	_ auth.UserStore = (*Store)(nil)
)

// NewStore creates a store over an open database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Bots

func (s *Store) GetBot(ctx context.Context, id uint) (*models.Bot, error) {
	var bot models.Bot
	if err := s.db.WithContext(ctx).First(&bot, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bots.ErrNotFound
		}
		return nil, fmt.Errorf("get bot %d: %w", id, err)
	}
	return &bot, nil
}

func (s *Store) ListBots(ctx context.Context, userID uint) ([]models.Bot, error) {
	var list []models.Bot
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	return list, nil
}

// ListAllBots returns every bot on the platform, for administrators.
func (s *Store) ListAllBots(ctx context.Context) ([]models.Bot, error) {
	var list []models.Bot
	if err := s.db.WithContext(ctx).Order("id").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	return list, nil
}

func (s *Store) ListBotsWithContainer(ctx context.Context) ([]models.Bot, error) {
	var list []models.Bot
	if err := s.db.WithContext(ctx).Where("container_ref <> ''").Order("id").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list bots with containers: %w", err)
	}
	return list, nil
}

func (s *Store) CountBots(ctx context.Context, userID uint) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Bot{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count bots: %w", err)
	}
	return n, nil
}

func (s *Store) CreateBot(ctx context.Context, bot *models.Bot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Bot{}).
			Where("user_id = ? AND name = ?", bot.UserID, bot.Name).
			Count(&n).Error; err != nil {
			return fmt.Errorf("check bot name: %w", err)
		}
		if n > 0 {
			return bots.ErrNameTaken
		}
		if err := tx.Omit(clause.Associations).Create(bot).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return bots.ErrNameTaken
			}
			return fmt.Errorf("create bot: %w", err)
		}
		return nil
	})
}

func (s *Store) SaveBot(ctx context.Context, bot *models.Bot) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Save(bot).Error; err != nil {
		return fmt.Errorf("save bot %d: %w", bot.ID, err)
	}
	return nil
}

func (s *Store) DeleteBot(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Bot{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete bot %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return bots.ErrNotFound
	}
	return nil
}

// Plans

func (s *Store) GetPlan(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	if err := s.db.WithContext(ctx).First(&plan, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bots.ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan %d: %w", id, err)
	}
	return &plan, nil
}

// PlanForUser returns the user's plan, or the default plan when the user has
// none assigned.
func (s *Store) PlanForUser(ctx context.Context, userID uint) (*models.Plan, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Select("id", "plan_id").First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %d: %w", userID, bots.ErrPlanNotFound)
		}
		return nil, fmt.Errorf("get user %d: %w", userID, err)
	}
	if user.PlanID == 0 {
		return s.DefaultPlan(ctx)
	}
	return s.GetPlan(ctx, user.PlanID)
}

func (s *Store) DefaultPlan(ctx context.Context) (*models.Plan, error) {
	var plan models.Plan
	if err := s.db.WithContext(ctx).Where("name = ?", DefaultPlanName).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bots.ErrPlanNotFound
		}
		return nil, fmt.Errorf("get default plan: %w", err)
	}
	return &plan, nil
}

// ListPlans returns every plan ordered by bot allowance.
func (s *Store) ListPlans(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	if err := s.db.WithContext(ctx).Order("max_bots, id").Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// Users

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		// Soft-deleted accounts still hold their address in the unique index.
		if err := tx.Unscoped().Model(&models.User{}).Where("email = ?", user.Email).Count(&n).Error; err != nil {
			return fmt.Errorf("check email: %w", err)
		}
		if n > 0 {
			return auth.ErrUserExists
		}
		if err := tx.Omit(clause.Associations).Create(user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return auth.ErrUserExists
			}
			return fmt.Errorf("create user: %w", err)
		}
		return nil
	})
}

func (s *Store) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, auth.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, auth.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &user, nil
}

func (s *Store) RecordLogin(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("last_login_at", at).Error
}

// ListUsers returns a page of users with their plans, and the total count.
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]models.User, int64, error) {
	var (
		users []models.User
		total int64
	)
	if err := s.db.WithContext(ctx).Model(&models.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	if err := s.db.WithContext(ctx).Preload("Plan").Order("id").Limit(limit).Offset(offset).Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	return users, total, nil
}

// SetUserStatus suspends or reactivates an account.
func (s *Store) SetUserStatus(ctx context.Context, id uint, status string) error {
	if status != models.UserStatusActive && status != models.UserStatusSuspended {
		return fmt.Errorf("unknown user status %q", status)
	}
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("set user status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

// Audit

// RecordAudit appends an entry to the audit log.
func (s *Store) RecordAudit(ctx context.Context, entry *models.AuditLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first. A zero
// userID lists entries for every user.
func (s *Store) ListAudit(ctx context.Context, userID uint, limit int) ([]models.AuditLog, error) {
	var entries []models.AuditLog
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Limit(limit)
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return entries, nil
}
