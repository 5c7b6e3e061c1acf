package models

import (
	"gorm.io/gorm"
)

// User owns a verification credit balance. Accounts are provisioned by the
// identity service; this service only reads them and moves credits.
type User struct {
	gorm.Model

	Email    string  `gorm:"uniqueIndex;not null" json:"email"`
	Name     *string `json:"name,omitempty"`
	IsActive bool    `gorm:"default:true" json:"is_active"`

	// Credit-based plan information
	PlanID          *uint  `json:"plan_id,omitempty"`
	PlanName        string `gorm:"default:'free'" json:"plan_name"`
	VerifyCredits   int    `gorm:"default:0;check:verify_credits >= 0" json:"verify_credits"`
	CreditsConsumed int    `gorm:"default:0" json:"credits_consumed"`

	// Stripe integration
	StripeCustomerID *string `gorm:"index" json:"stripe_customer_id,omitempty"`
	DefaultCurrency  string  `gorm:"default:'usd'" json:"default_currency"`

	// Relations
	Validations    []EmailValidation   `gorm:"foreignKey:UserID" json:"validations,omitempty"`
	ValidationJobs []ValidationJob     `gorm:"foreignKey:UserID" json:"validation_jobs,omitempty"`
	Transactions   []CreditTransaction `gorm:"foreignKey:UserID" json:"transactions,omitempty"`
}
