package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"mailcore/internal/models"
)

// AccountRepository handles database operations for Account
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new AccountRepository
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create creates a new account
func (r *AccountRepository) Create(account *models.Account) error {
	return r.db.Create(account).Error
}

// Update updates an existing account
func (r *AccountRepository) Update(account *models.Account) error {
	return r.db.Save(account).Error
}

// GetByEmail retrieves an account by its email address.
func (r *AccountRepository) GetByEmail(email string) (*models.Account, error) {
	var account models.Account
	err := r.db.Where("email_address = ?", email).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("account %s not found", email)
		}
		return nil, err
	}
	return &account, nil
}

// List retrieves all configured accounts.
func (r *AccountRepository) List() ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

// Delete removes an account by email address.
func (r *AccountRepository) Delete(email string) error {
	return r.db.Where("email_address = ?", email).Delete(&models.Account{}).Error
}
