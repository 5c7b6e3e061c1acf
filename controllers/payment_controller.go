package controller

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/charge"
	"github.com/stripe/stripe-go/v76/customer"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"gorm.io/gorm"

	"mailscore/middleware"
	"mailscore/models"
	"mailscore/store"
	"mailscore/utils"
)

func InitStripe(secretKey string) {
	stripe.Key = secretKey
}

type PaymentController struct {
	DB            *gorm.DB
	WebhookSecret string
	Logger        logrus.FieldLogger
}

func NewPaymentController(db *gorm.DB, webhookSecret string, logger logrus.FieldLogger) *PaymentController {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PaymentController{DB: db, WebhookSecret: webhookSecret, Logger: logger.WithField("component", "payment")}
}

// GetPlans lists the active credit packages.
func (pc *PaymentController) GetPlans(c *fiber.Ctx) error {
	var plans []models.Plan
	if err := pc.DB.WithContext(c.UserContext()).Where("is_active = ?", true).Order("verify_price").Find(&plans).Error; err != nil {
		utils.LogError("plans_list", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load plans", nil)
	}
	for i := range plans {
		plans[i].DisplayPrice = "$" + strconv.Itoa(plans[i].VerifyPrice/100)
	}
	return c.JSON(utils.SuccessResponse(plans))
}

type PaymentRequest struct {
	PlanID uint `json:"plan_id" validate:"required"`
}

// CreatePaymentIntent creates a Stripe Payment Intent for a plan
func (pc *PaymentController) CreatePaymentIntent(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var req PaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	db := pc.DB.WithContext(c.UserContext())

	var plan models.Plan
	if err := db.Where("is_active = ?", true).First(&plan, req.PlanID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Plan not found", nil)
	}

	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "User not found", nil)
	}

	customerID, err := pc.getOrCreateStripeCustomer(db, &user)
	if err != nil {
		utils.LogError("stripe_customer", err, map[string]interface{}{"user_id": user.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process payment", nil)
	}

	description := "Purchase of " + plan.Name + " verification credits"
	pi, err := paymentintent.New(&stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(plan.VerifyPrice)),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
		Customer: stripe.String(customerID),
		Metadata: map[string]string{
			"user_id": strconv.Itoa(int(user.ID)),
			"plan_id": strconv.Itoa(int(plan.ID)),
		},
		Description: stripe.String(description),
	})
	if err != nil {
		utils.LogError("stripe_payment_intent", err, map[string]interface{}{"user_id": user.ID, "plan_id": plan.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process payment", nil)
	}

	transaction := models.CreditTransaction{
		UserID:                user.ID,
		PlanID:                &plan.ID,
		VerifyCredits:         plan.VerifyCredits,
		Amount:                plan.VerifyPrice,
		Currency:              "usd",
		PaymentStatus:         "requires_payment_method",
		StripePaymentIntentID: pi.ID,
		Description:           description,
	}
	if err := db.Create(&transaction).Error; err != nil {
		utils.LogError("transaction_create", err, map[string]interface{}{"payment_intent_id": pi.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process transaction", nil)
	}

	return c.JSON(fiber.Map{
		"clientSecret":   pi.ClientSecret,
		"transaction_id": transaction.ID,
		"amount":         plan.VerifyPrice,
		"currency":       "usd",
	})
}

// HandlePaymentWebhook handles Stripe webhook events
func (pc *PaymentController) HandlePaymentWebhook(c *fiber.Ctx) error {
	event, err := utils.ConstructStripeEvent(c, pc.WebhookSecret)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid webhook payload", nil)
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Error parsing payment intent", nil)
		}
		return pc.handlePaymentIntentSucceeded(c, &pi)

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Error parsing payment intent", nil)
		}
		return pc.handlePaymentIntentFailed(c, &pi)

	case "charge.succeeded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Error parsing charge", nil)
		}
		return pc.handleChargeSucceeded(c, &ch)

	default:
		return c.SendStatus(fiber.StatusOK)
	}
}

func (pc *PaymentController) handlePaymentIntentSucceeded(c *fiber.Ctx, pi *stripe.PaymentIntent) error {
	method := ""
	if pi.PaymentMethod != nil {
		method = string(pi.PaymentMethod.Type)
	}
	credited, err := CreditPurchase(c.UserContext(), pc.DB, pi.ID, method)
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Transaction not found", nil)
	}
	if err != nil {
		utils.LogError("credit_purchase", err, map[string]interface{}{"payment_intent_id": pi.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to credit purchase", nil)
	}

	if pi.LatestCharge != nil {
		if ch, err := charge.Get(pi.LatestCharge.ID, nil); err == nil {
			pc.DB.WithContext(c.UserContext()).Model(&models.CreditTransaction{}).
				Where("stripe_payment_intent_id = ?", pi.ID).
				Updates(map[string]interface{}{"stripe_charge_id": ch.ID, "receipt_url": ch.ReceiptURL})
		}
	}

	if credited {
		utils.LogEvent("credits_purchased", map[string]interface{}{"payment_intent_id": pi.ID})
	}
	return c.SendStatus(fiber.StatusOK)
}

// CreditPurchase marks the transaction of a succeeded payment intent as
// credited and adds its credits to the user. Stripe retries webhooks, so a
// transaction is credited at most once; the bool reports whether this call
// did it.
func CreditPurchase(ctx context.Context, db *gorm.DB, paymentIntentID, method string) (bool, error) {
	credited := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var transaction models.CreditTransaction
		err := tx.Where("stripe_payment_intent_id = ?", paymentIntentID).First(&transaction).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}

		res := tx.Model(&models.CreditTransaction{}).
			Where("id = ? AND credited = ?", transaction.ID, false).
			Updates(map[string]interface{}{
				"credited":       true,
				"payment_status": "succeeded",
				"payment_method": method,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if _, err := store.NewGormLedger(tx).Credit(ctx, transaction.UserID, transaction.VerifyCredits); err != nil {
			return err
		}
		if transaction.PlanID != nil {
			var plan models.Plan
			if err := tx.First(&plan, *transaction.PlanID).Error; err == nil {
				if err := tx.Model(&models.User{}).Where("id = ?", transaction.UserID).
					Updates(map[string]interface{}{"plan_id": plan.ID, "plan_name": plan.Name}).Error; err != nil {
					return err
				}
			}
		}
		credited = true
		return nil
	})
	return credited, err
}

func (pc *PaymentController) handleChargeSucceeded(c *fiber.Ctx, ch *stripe.Charge) error {
	if ch.PaymentIntent == nil {
		return c.SendStatus(fiber.StatusOK)
	}
	res := pc.DB.WithContext(c.UserContext()).Model(&models.CreditTransaction{}).
		Where("stripe_payment_intent_id = ?", ch.PaymentIntent.ID).
		Updates(map[string]interface{}{"stripe_charge_id": ch.ID, "receipt_url": ch.ReceiptURL})
	if res.Error != nil {
		utils.LogError("transaction_update", res.Error, map[string]interface{}{"payment_intent_id": ch.PaymentIntent.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update transaction", nil)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Transaction not found", nil)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (pc *PaymentController) handlePaymentIntentFailed(c *fiber.Ctx, pi *stripe.PaymentIntent) error {
	description := "Payment failed"
	if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
		description = "Payment failed: " + pi.LastPaymentError.Msg
	}
	res := pc.DB.WithContext(c.UserContext()).Model(&models.CreditTransaction{}).
		Where("stripe_payment_intent_id = ? AND credited = ?", pi.ID, false).
		Updates(map[string]interface{}{"payment_status": "failed", "description": description})
	if res.Error != nil {
		utils.LogError("transaction_update", res.Error, map[string]interface{}{"payment_intent_id": pi.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update transaction", nil)
	}
	return c.SendStatus(fiber.StatusOK)
}

func (pc *PaymentController) getOrCreateStripeCustomer(db *gorm.DB, user *models.User) (string, error) {
	if user.StripeCustomerID != nil {
		return *user.StripeCustomerID, nil
	}

	var name string
	if user.Name != nil {
		name = *user.Name
	}
	cus, err := customer.New(&stripe.CustomerParams{
		Email: stripe.String(user.Email),
		Name:  stripe.String(name),
		Metadata: map[string]string{
			"user_id": strconv.Itoa(int(user.ID)),
		},
	})
	if err != nil {
		return "", err
	}

	user.StripeCustomerID = &cus.ID
	if err := db.Model(user).Update("stripe_customer_id", cus.ID).Error; err != nil {
		return "", err
	}
	return cus.ID, nil
}
