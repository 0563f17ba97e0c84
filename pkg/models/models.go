package models

import (
	"time"

	"gorm.io/gorm"
)

// Roles a user can hold. Admins and owners may act on any user's bots.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
	RoleOwner = "OWNER"
)

// Account status values.
const (
	UserStatusActive    = "ACTIVE"
	UserStatusSuspended = "SUSPENDED"
)

// BotStatus is the recorded lifecycle state of a bot.
type BotStatus string

const (
	BotStatusCreated BotStatus = "CREATED"
	BotStatusRunning BotStatus = "RUNNING"
	BotStatusStopped BotStatus = "STOPPED"
	BotStatusCrashed BotStatus = "CRASHED"
)

// AllBotStatuses lists every status, in lifecycle order.
var AllBotStatuses = []BotStatus{BotStatusCreated, BotStatusRunning, BotStatusStopped, BotStatusCrashed}

// SourceType records how a bot's code was uploaded. Empty means no upload yet.
type SourceType string

const (
	SourceNone    SourceType = ""
	SourceFile    SourceType = "file"
	SourceArchive SourceType = "zip"
)

// User is a platform account
type User struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Email        string `json:"email" gorm:"uniqueIndex;not null"`
	PasswordHash string `json:"-" gorm:"not null"`
	Role         string `json:"role" gorm:"default:'USER';not null"`
	Status       string `json:"status" gorm:"default:'ACTIVE';not null"`

	PlanID uint  `json:"plan_id"`
	Plan   *Plan `json:"plan,omitempty" gorm:"foreignKey:PlanID"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// IsPrivileged reports whether the user may manage other users' bots.
func (u *User) IsPrivileged() bool {
	return u.Role == RoleAdmin || u.Role == RoleOwner
}

// IsSuspended reports whether the account has been suspended by an admin.
func (u *User) IsSuspended() bool {
	return u.Status == UserStatusSuspended
}

// Plan bounds how many bots a user may own and the resources each receives.
type Plan struct {
	ID          uint    `json:"id" gorm:"primarykey"`
	Name        string  `json:"name" gorm:"uniqueIndex;not null"`
	MaxBots     int     `json:"max_bots" gorm:"not null"`
	CPULimit    float64 `json:"cpu_limit" gorm:"not null"`    // fractional cores
	MemoryLimit int64   `json:"memory_limit" gorm:"not null"` // bytes

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bot is a user's hosted script and the state of its container.
type Bot struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint   `json:"user_id" gorm:"not null;uniqueIndex:idx_bots_user_name"`
	PlanID uint   `json:"plan_id" gorm:"not null"`
	Name   string `json:"name" gorm:"size:50;not null;uniqueIndex:idx_bots_user_name"`

	Runtime    string     `json:"runtime" gorm:"size:32;not null"`
	StartCmd   string     `json:"start_cmd" gorm:"size:500"`
	SourceType SourceType `json:"source_type" gorm:"size:8"`
	Status     BotStatus  `json:"status" gorm:"size:16;not null;index"`

	// ContainerRef is the engine's handle for the bot's container. It is
	// never serialized.
	ContainerRef string `json:"-" gorm:"size:128"`
	LastExitCode *int   `json:"last_exit_code,omitempty"`

	Plan *Plan `json:"plan,omitempty" gorm:"foreignKey:PlanID"`
}

// HasSource reports whether code has been uploaded for the bot.
func (b *Bot) HasSource() bool {
	return b.SourceType != SourceNone
}

// AuditLog records a security-relevant action taken by a user.
type AuditLog struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`

	UserID  *uint  `json:"user_id,omitempty" gorm:"index"`
	Action  string `json:"action" gorm:"size:64;not null;index"`
	Target  string `json:"target" gorm:"size:128"`
	IP      string `json:"ip" gorm:"size:64"`
	Details string `json:"details" gorm:"type:text"`
}
