package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailcore/internal/models"
)

// CacheRepository handles database operations for the local mailbox cache.
// Local archive state is authoritative: a server page never un-archives a
// message the user already archived here.
type CacheRepository struct {
	db *gorm.DB
}

// NewCacheRepository creates a new CacheRepository
func NewCacheRepository(db *gorm.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

// SavePage upserts one mailbox page: the thread row plus all its messages.
func (r *CacheRepository) SavePage(accountEmail string, page *models.MailboxPage) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		thread := models.Thread{
			ThreadID:      page.ThreadID,
			AccountEmail:  accountEmail,
			Subject:       page.Subject,
			Participants:  models.StringSlice(page.Participants),
			LastMessageAt: page.LastMessageAt(),
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_email"}, {Name: "thread_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"subject", "participants", "last_message_at", "updated_at"}),
		}).Create(&thread).Error
		if err != nil {
			return fmt.Errorf("upserting thread %s: %w", page.ThreadID, err)
		}

		for i := range page.Messages {
			msg := page.Messages[i]
			msg.AccountEmail = accountEmail
			if msg.ThreadID == "" {
				msg.ThreadID = page.ThreadID
			}
			// archived / archive_pending deliberately absent from the update
			// list so local archive intent survives a server refresh.
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "account_email"}, {Name: "message_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"thread_id", "subject", "from", "to", "cc", "date",
					"snippet", "body", "html_body", "unread", "size", "updated_at",
				}),
			}).Create(&msg).Error
			if err != nil {
				return fmt.Errorf("upserting message %s: %w", msg.MessageID, err)
			}
		}
		return nil
	})
}

// FetchPages reconstructs the cached inbox, newest thread first. Archived
// messages are filtered out; a thread whose messages are all archived is
// dropped entirely.
func (r *CacheRepository) FetchPages(accountEmail string, limit int) ([]models.MailboxPage, error) {
	var threads []models.Thread
	query := r.db.Where("account_email = ?", accountEmail).Order("last_message_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&threads).Error; err != nil {
		return nil, fmt.Errorf("loading cached threads: %w", err)
	}

	pages := make([]models.MailboxPage, 0, len(threads))
	for _, thread := range threads {
		var messages []models.Message
		err := r.db.Where("account_email = ? AND thread_id = ? AND archived = ?", accountEmail, thread.ThreadID, false).
			Order("date ASC").Find(&messages).Error
		if err != nil {
			return nil, fmt.Errorf("loading messages for thread %s: %w", thread.ThreadID, err)
		}
		if len(messages) == 0 {
			continue
		}
		pages = append(pages, models.MailboxPage{
			ThreadID:     thread.ThreadID,
			Subject:      thread.Subject,
			Participants: thread.Participants,
			Messages:     messages,
		})
	}
	return pages, nil
}

// FetchMessage retrieves one cached message by provider message id.
func (r *CacheRepository) FetchMessage(accountEmail, messageID string) (*models.Message, error) {
	var msg models.Message
	err := r.db.Where("account_email = ? AND message_id = ?", accountEmail, messageID).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading message %s: %w", messageID, err)
	}
	return &msg, nil
}

// UpdateReadStatus flips the unread flag on a cached message.
func (r *CacheRepository) UpdateReadStatus(accountEmail, messageID string, unread bool) error {
	return r.db.Model(&models.Message{}).
		Where("account_email = ? AND message_id = ?", accountEmail, messageID).
		Update("unread", unread).Error
}

// MarkArchivePending records the local archive intent: the message leaves
// the cached inbox immediately and awaits server confirmation.
func (r *CacheRepository) MarkArchivePending(accountEmail, messageID string) error {
	return r.db.Model(&models.Message{}).
		Where("account_email = ? AND message_id = ?", accountEmail, messageID).
		Updates(map[string]interface{}{"archived": true, "archive_pending": true}).Error
}

// MarkArchiveConfirmed clears the pending flag once the server accepted the
// archive.
func (r *CacheRepository) MarkArchiveConfirmed(accountEmail, messageID string) error {
	return r.db.Model(&models.Message{}).
		Where("account_email = ? AND message_id = ?", accountEmail, messageID).
		Update("archive_pending", false).Error
}

// PendingArchives lists messages archived locally but not yet confirmed.
func (r *CacheRepository) PendingArchives(accountEmail string) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.Where("account_email = ? AND archive_pending = ?", accountEmail, true).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("loading pending archives: %w", err)
	}
	return messages, nil
}

// GetCursor returns the account's sync cursor, or nil when the account has
// never completed a full sync.
func (r *CacheRepository) GetCursor(accountEmail string) (*models.SyncCursor, error) {
	var cursor models.SyncCursor
	err := r.db.Where("account_email = ?", accountEmail).First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading sync cursor: %w", err)
	}
	return &cursor, nil
}

// SetCursor upserts the account's sync cursor in one statement.
func (r *CacheRepository) SetCursor(accountEmail, position string, syncedAt time.Time) error {
	cursor := models.SyncCursor{
		AccountEmail: accountEmail,
		Position:     position,
		LastSyncedAt: syncedAt,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_email"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "last_synced_at", "updated_at"}),
	}).Create(&cursor).Error
}

// TouchCursor refreshes only the staleness clock, keeping the position.
func (r *CacheRepository) TouchCursor(accountEmail string, syncedAt time.Time) error {
	return r.db.Model(&models.SyncCursor{}).
		Where("account_email = ?", accountEmail).
		Update("last_synced_at", syncedAt).Error
}

// Clear drops all cached state for an account: threads, messages and the
// sync cursor, in one transaction.
func (r *CacheRepository) Clear(accountEmail string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_email = ?", accountEmail).Delete(&models.Message{}).Error; err != nil {
			return fmt.Errorf("clearing messages: %w", err)
		}
		if err := tx.Where("account_email = ?", accountEmail).Delete(&models.Thread{}).Error; err != nil {
			return fmt.Errorf("clearing threads: %w", err)
		}
		if err := tx.Where("account_email = ?", accountEmail).Delete(&models.SyncCursor{}).Error; err != nil {
			return fmt.Errorf("clearing sync cursor: %w", err)
		}
		return nil
	})
}
