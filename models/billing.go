package models

import "gorm.io/gorm"

// Plan represents a purchasable verification credit package
type Plan struct {
	gorm.Model
	Name        string `gorm:"not null;uniqueIndex" json:"name"` // starter, grow, enterprise
	Description string `json:"description"`

	VerifyCredits int `gorm:"not null" json:"verify_credits"`
	VerifyPrice   int `gorm:"not null" json:"verify_price"` // in cents

	// For display purposes
	DisplayPrice string `gorm:"-" json:"display_price"` // e.g. "$20"
	IsPopular    bool   `gorm:"default:false" json:"is_popular"`
	IsActive     bool   `gorm:"default:true" json:"is_active"`

	StripePriceID string `json:"stripe_price_id"` // price_xxx from Stripe dashboard
}

// CreditTransaction records credit purchases
type CreditTransaction struct {
	gorm.Model
	UserID uint  `gorm:"not null;index" json:"user_id"`
	PlanID *uint `json:"plan_id,omitempty"`

	VerifyCredits int `gorm:"not null" json:"verify_credits"` // Positive for purchases

	// Financial information
	Amount        int    `json:"amount"` // in cents
	Currency      string `gorm:"default:'usd'" json:"currency"`
	PaymentMethod string `json:"payment_method"`
	PaymentStatus string `gorm:"default:'pending'" json:"payment_status"` // pending, succeeded, failed
	Credited      bool   `gorm:"default:false" json:"credited"`

	Description string `json:"description"`

	StripePaymentIntentID string `gorm:"uniqueIndex" json:"stripe_payment_intent_id"`
	StripeChargeID        string `json:"stripe_charge_id"`
	ReceiptURL            string `json:"receipt_url,omitempty"`

	// Relations
	User User  `json:"-"`
	Plan *Plan `json:"plan,omitempty"`
}

// CreditUsage tracks one debit of the verification balance
type CreditUsage struct {
	gorm.Model
	UserID uint  `gorm:"not null;index" json:"user_id"`
	JobID  *uint `json:"job_id,omitempty"`

	Amount       int    `gorm:"not null" json:"amount"` // Always positive
	Action       string `gorm:"not null" json:"action"` // validate_email
	Email        string `gorm:"index" json:"email"`     // address the credit was spent on
	BalanceAfter int    `json:"balance_after"`

	User User `json:"-"`
}
