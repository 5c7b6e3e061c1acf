// Package store holds the persistence gateways used by the verifier and the
// HTTP layer: credit ledger, result store, validation jobs and bulk sessions.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailscore/models"
	"mailscore/verifier"
)

// Ledger moves verification credits.
type Ledger interface {
	verifier.Ledger
	Credit(ctx context.Context, userID uint, amount int) (int, error)
	Balance(ctx context.Context, userID uint) (int, error)
}

// GormLedger keeps balances in users.verify_credits. Every debit is a single
// conditional UPDATE so concurrent debits can neither lose updates nor take
// the balance below zero.
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

func (l *GormLedger) Debit(ctx context.Context, userID uint, amount int, email string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	var balance int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		res := tx.Model(&user).
			Clauses(clause.Returning{Columns: []clause.Column{{Name: "verify_credits"}}}).
			Where("id = ? AND verify_credits >= ?", userID, amount).
			Updates(map[string]interface{}{
				"verify_credits":   gorm.Expr("verify_credits - ?", amount),
				"credits_consumed": gorm.Expr("credits_consumed + ?", amount),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return refusal(tx, userID, amount)
		}
		balance = user.VerifyCredits

		return tx.Create(&models.CreditUsage{
			UserID:       userID,
			Amount:       amount,
			Action:       "validate_email",
			Email:        email,
			BalanceAfter: balance,
		}).Error
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// refusal tells a missing user apart from an empty balance after a debit
// matched no row.
func refusal(tx *gorm.DB, userID uint, amount int) error {
	var user models.User
	err := tx.Select("id", "verify_credits").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &verifier.CreditError{Kind: verifier.CreditNotFound, UserID: userID, Requested: amount}
	}
	if err != nil {
		return err
	}
	return &verifier.CreditError{Kind: verifier.CreditInsufficient, UserID: userID, Balance: user.VerifyCredits, Requested: amount}
}

func (l *GormLedger) Credit(ctx context.Context, userID uint, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	var user models.User
	res := l.db.WithContext(ctx).Model(&user).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "verify_credits"}}}).
		Where("id = ?", userID).
		Update("verify_credits", gorm.Expr("verify_credits + ?", amount))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, &verifier.CreditError{Kind: verifier.CreditNotFound, UserID: userID}
	}
	return user.VerifyCredits, nil
}

func (l *GormLedger) Balance(ctx context.Context, userID uint) (int, error) {
	var user models.User
	err := l.db.WithContext(ctx).Select("id", "verify_credits").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, &verifier.CreditError{Kind: verifier.CreditNotFound, UserID: userID}
	}
	if err != nil {
		return 0, err
	}
	return user.VerifyCredits, nil
}

// MemoryLedger is an in-process ledger for development and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[uint]int
	usage    []models.CreditUsage
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[uint]int)}
}

// Open creates or resets an account.
func (l *MemoryLedger) Open(userID uint, balance int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = balance
}

func (l *MemoryLedger) Debit(_ context.Context, userID uint, amount int, email string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[userID]
	if !ok {
		return 0, &verifier.CreditError{Kind: verifier.CreditNotFound, UserID: userID, Requested: amount}
	}
	if balance < amount {
		return 0, &verifier.CreditError{Kind: verifier.CreditInsufficient, UserID: userID, Balance: balance, Requested: amount}
	}
	l.balances[userID] = balance - amount
	l.usage = append(l.usage, models.CreditUsage{
		UserID:       userID,
		Amount:       amount,
		Action:       "validate_email",
		Email:        email,
		BalanceAfter: balance - amount,
	})
	return balance - amount, nil
}

func (l *MemoryLedger) Credit(_ context.Context, userID uint, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[userID]
	if !ok {
		return 0, &verifier.CreditError{Kind: verifier.CreditNotFound, UserID: userID}
	}
	l.balances[userID] = balance + amount
	return balance + amount, nil
}

func (l *MemoryLedger) Balance(_ context.Context, userID uint) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[userID]
	if !ok {
		return 0, &verifier.CreditError{Kind: verifier.CreditNotFound, UserID: userID}
	}
	return balance, nil
}

// Debits counts successful debits.
func (l *MemoryLedger) Debits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.usage)
}

// Usage returns the usage rows of successful debits, oldest first.
func (l *MemoryLedger) Usage() []models.CreditUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.CreditUsage(nil), l.usage...)
}
