package database

import (
	"time"

	"gorm.io/gorm"
)

// Reading status values for MediaProgress
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusFinished   = "finished"
)

// User represents a catalog user whose listening progress is synchronized
type User struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"not null" json:"name"`
	ExternalUserID string    `json:"external_user_id"`
	Active         bool      `gorm:"default:true" json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UserCredential holds an optional per-user override of the playback server
// credentials. When no row exists the global configuration is used.
type UserCredential struct {
	UserID                 string    `gorm:"primaryKey" json:"user_id"`
	PlaybackURL            string    `json:"playback_url"`
	PlaybackTokenEncrypted string    `json:"-"` // Hidden from JSON serialization
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Book is a local catalog entry that external sessions resolve against
type Book struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	Title          string    `gorm:"index" json:"title"`
	Author         string    `json:"author"`
	ISBN13         string    `gorm:"index" json:"isbn13"`
	ISBN10         string    `gorm:"index" json:"isbn10"`
	ExternalItemID string    `gorm:"index" json:"external_item_id"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MediaProgress is the per-(user, book) listening progress record
type MediaProgress struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserID         string     `gorm:"uniqueIndex:idx_progress_user_book;not null" json:"user_id"`
	BookID         string     `gorm:"uniqueIndex:idx_progress_user_book;not null" json:"book_id"`
	PositionMs     int64      `json:"position_ms"`
	Percentage     float64    `json:"percentage"`
	Status         string     `gorm:"default:not_started" json:"status"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	LastActivityAt *time.Time `json:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ListeningDay is an activity ledger entry: minutes of listening attributed
// to one (user, book, calendar day)
type ListeningDay struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"uniqueIndex:idx_ledger_user_book_day;not null" json:"user_id"`
	BookID    string    `gorm:"uniqueIndex:idx_ledger_user_book_day;not null" json:"book_id"`
	Day       string    `gorm:"uniqueIndex:idx_ledger_user_book_day;not null" json:"day"` // YYYY-MM-DD
	Minutes   float64   `json:"minutes"`
	Pages     float64   `json:"pages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncSettings is the single-row persisted scheduler state. Last-run values
// are stored as strings because historical rows may carry either epoch
// seconds or RFC3339 timestamps.
type SyncSettings struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	AutoSyncEnabled        bool      `gorm:"default:true" json:"auto_sync_enabled"`
	CatalogIntervalHours   float64   `json:"catalog_interval_hours"`
	ListeningIntervalHours float64   `json:"listening_interval_hours"`
	LastCatalogRun         string    `json:"last_catalog_run"`
	LastListeningRun       string    `json:"last_listening_run"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// BeforeCreate hook for User
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	return nil
}

// BeforeUpdate hook for User
func (u *User) BeforeUpdate(tx *gorm.DB) error {
	u.UpdatedAt = time.Now()
	return nil
}

// BeforeCreate hook for UserCredential
func (uc *UserCredential) BeforeCreate(tx *gorm.DB) error {
	if uc.CreatedAt.IsZero() {
		uc.CreatedAt = time.Now()
	}
	if uc.UpdatedAt.IsZero() {
		uc.UpdatedAt = time.Now()
	}
	return nil
}

// BeforeUpdate hook for UserCredential
func (uc *UserCredential) BeforeUpdate(tx *gorm.DB) error {
	uc.UpdatedAt = time.Now()
	return nil
}
