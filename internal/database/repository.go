package database

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/evanharte/playsync/internal/crypto"
	"github.com/evanharte/playsync/internal/logger"
)

// Repository provides database operations for users, books, credentials and
// scheduler settings
type Repository struct {
	db        *Database
	encryptor *crypto.EncryptionManager
	logger    *logger.Logger
}

// NewRepository creates a new repository instance
func NewRepository(db *Database, encryptor *crypto.EncryptionManager, log *logger.Logger) *Repository {
	return &Repository{
		db:        db,
		encryptor: encryptor,
		logger:    log,
	}
}

// PlaybackCredential is a decrypted per-user playback server credential
type PlaybackCredential struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// CreateUser creates a new user
func (r *Repository) CreateUser(userID, name, externalUserID string) error {
	user := User{
		ID:             userID,
		Name:           name,
		ExternalUserID: externalUserID,
		Active:         true,
	}
	if err := r.db.GetDB().Create(&user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	r.logger.Info("Created new user", map[string]interface{}{
		"user_id": userID,
		"name":    name,
	})
	return nil
}

// GetUser retrieves an active user by ID, or nil when no active user matches
func (r *Repository) GetUser(userID string) (*User, error) {
	var user User
	if err := r.db.GetDB().Where("id = ? AND active = ?", userID, true).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// ListActiveUsers retrieves all active users
func (r *Repository) ListActiveUsers() ([]User, error) {
	var users []User
	if err := r.db.GetDB().Where("active = ?", true).Order("id").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// DeactivateUser soft deletes a user by setting active to false
func (r *Repository) DeactivateUser(userID string) error {
	result := r.db.GetDB().Model(&User{}).Where("id = ?", userID).Update("active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to deactivate user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user not found: %s", userID)
	}
	return nil
}

// SetUserCredential stores an encrypted playback credential override for a user
func (r *Repository) SetUserCredential(userID, playbackURL, playbackToken string) error {
	encrypted, err := r.encryptor.Encrypt(playbackToken)
	if err != nil {
		r.logger.Error("Failed to encrypt playback token", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return fmt.Errorf("failed to encrypt playback token: %w", err)
	}

	cred := UserCredential{
		UserID:                 userID,
		PlaybackURL:            playbackURL,
		PlaybackTokenEncrypted: encrypted,
	}
	err = r.db.GetDB().Transaction(func(tx *gorm.DB) error {
		var existing UserCredential
		switch err := tx.Where("user_id = ?", userID).First(&existing).Error; err {
		case nil:
			existing.PlaybackURL = playbackURL
			existing.PlaybackTokenEncrypted = encrypted
			return tx.Save(&existing).Error
		case gorm.ErrRecordNotFound:
			return tx.Create(&cred).Error
		default:
			return err
		}
	})
	if err != nil {
		return fmt.Errorf("failed to store user credential: %w", err)
	}
	return nil
}

// GetUserCredential returns the decrypted credential override for a user, or
// nil when the user has none
func (r *Repository) GetUserCredential(userID string) (*PlaybackCredential, error) {
	var cred UserCredential
	if err := r.db.GetDB().Where("user_id = ?", userID).First(&cred).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user credential: %w", err)
	}

	token, err := r.encryptor.Decrypt(cred.PlaybackTokenEncrypted)
	if err != nil {
		r.logger.Error("Failed to decrypt playback token", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return nil, fmt.Errorf("failed to decrypt playback token: %w", err)
	}

	return &PlaybackCredential{
		URL:   cred.PlaybackURL,
		Token: token,
	}, nil
}

// CreateBook inserts a catalog entry
func (r *Repository) CreateBook(book *Book) error {
	if err := r.db.GetDB().Create(book).Error; err != nil {
		return fmt.Errorf("failed to create book: %w", err)
	}
	return nil
}

// GetBook retrieves a book by its local ID
func (r *Repository) GetBook(bookID string) (*Book, error) {
	var book Book
	if err := r.db.GetDB().Where("id = ?", bookID).First(&book).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return &book, nil
}

// FindBookByExternalID returns the book carrying the given external item id,
// or nil when no book matches
func (r *Repository) FindBookByExternalID(externalID string) (*Book, error) {
	if externalID == "" {
		return nil, nil
	}
	var book Book
	if err := r.db.GetDB().Where("external_item_id = ?", externalID).First(&book).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find book by external id: %w", err)
	}
	return &book, nil
}

// FindBookByISBN returns the book matching the given ISBN (13 or 10), or nil
func (r *Repository) FindBookByISBN(isbn string) (*Book, error) {
	if isbn == "" {
		return nil, nil
	}
	var book Book
	if err := r.db.GetDB().Where("isbn13 = ? OR isbn10 = ?", isbn, isbn).First(&book).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find book by isbn: %w", err)
	}
	return &book, nil
}

// FindBookByTitleAuthor returns the book matching title and author
// case-insensitively, or nil
func (r *Repository) FindBookByTitleAuthor(title, author string) (*Book, error) {
	if title == "" {
		return nil, nil
	}
	var book Book
	err := r.db.GetDB().
		Where("LOWER(title) = ? AND LOWER(author) = ?", strings.ToLower(title), strings.ToLower(author)).
		First(&book).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find book by title/author: %w", err)
	}
	return &book, nil
}

// ListExternalItemIDs returns the external item ids of all catalog books that
// carry one. Used by full catalog syncs.
func (r *Repository) ListExternalItemIDs() ([]string, error) {
	var ids []string
	err := r.db.GetDB().Model(&Book{}).
		Where("external_item_id <> ''").
		Order("external_item_id").
		Pluck("external_item_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list external item ids: %w", err)
	}
	return ids, nil
}

// GetSyncSettings returns the persisted scheduler state, creating the default
// row on first access
func (r *Repository) GetSyncSettings() (*SyncSettings, error) {
	var settings SyncSettings
	err := r.db.GetDB().First(&settings).Error
	if err == gorm.ErrRecordNotFound {
		settings = SyncSettings{
			AutoSyncEnabled:        true,
			CatalogIntervalHours:   24,
			ListeningIntervalHours: 1,
		}
		if err := r.db.GetDB().Create(&settings).Error; err != nil {
			return nil, fmt.Errorf("failed to create sync settings: %w", err)
		}
		return &settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync settings: %w", err)
	}
	return &settings, nil
}

// UpdateSyncSettings persists the scheduler settings row
func (r *Repository) UpdateSyncSettings(settings *SyncSettings) error {
	if err := r.db.GetDB().Save(settings).Error; err != nil {
		return fmt.Errorf("failed to update sync settings: %w", err)
	}
	return nil
}

// SetLastCatalogRun persists the catalog cadence last-run timestamp
func (r *Repository) SetLastCatalogRun(when time.Time) error {
	settings, err := r.GetSyncSettings()
	if err != nil {
		return err
	}
	settings.LastCatalogRun = when.UTC().Format(time.RFC3339)
	return r.UpdateSyncSettings(settings)
}

// SetLastListeningRun persists the listening cadence last-run timestamp
func (r *Repository) SetLastListeningRun(when time.Time) error {
	settings, err := r.GetSyncSettings()
	if err != nil {
		return err
	}
	settings.LastListeningRun = when.UTC().Format(time.RFC3339)
	return r.UpdateSyncSettings(settings)
}
