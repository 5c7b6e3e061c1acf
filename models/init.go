package models

import "gorm.io/gorm"

// CreateDefaultPlans seeds the purchasable credit packages
func CreateDefaultPlans(db *gorm.DB) error {
	defaultPlans := []Plan{
		{
			Name:          "starter",
			Description:   "Starter plan with 20,000 verification credits",
			VerifyCredits: 20000,
			VerifyPrice:   2000, // $20
			DisplayPrice:  "$20",
			IsActive:      true,
		},
		{
			Name:          "grow",
			Description:   "Growth plan with 100,000 verification credits",
			VerifyCredits: 100000,
			VerifyPrice:   6000, // $60
			DisplayPrice:  "$60",
			IsPopular:     true,
			IsActive:      true,
		},
		{
			Name:          "enterprise",
			Description:   "High-volume plan with 500,000 verification credits",
			VerifyCredits: 500000,
			VerifyPrice:   20000, // $200
			DisplayPrice:  "$200",
			IsActive:      true,
		},
	}
	for _, plan := range defaultPlans {
		if err := db.FirstOrCreate(&plan, "name = ?", plan.Name).Error; err != nil {
			return err
		}
	}
	return nil
}
