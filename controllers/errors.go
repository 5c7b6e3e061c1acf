package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailscore/utils"
	"mailscore/verifier"
)

// validationFailure maps a Validate error onto an HTTP response. A
// persistence failure after scoring still carries the report.
func validationFailure(c *fiber.Ctx, log logrus.FieldLogger, err error, report *verifier.Report) error {
	switch {
	case errors.Is(err, verifier.ErrEmptyEmail), errors.Is(err, verifier.ErrInvalidMode):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, verifier.ErrUserNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "User not found", nil)
	case errors.Is(err, verifier.ErrInsufficientCredits):
		return utils.ErrorResponse(c, fiber.StatusPaymentRequired, "Insufficient verification credits", nil)
	case errors.Is(err, verifier.ErrPersistence):
		utils.LogError("validation_persist", err, map[string]interface{}{"path": c.Path()})
		body := fiber.Map{
			"success": false,
			"error":   "Failed to save validation result",
		}
		if report != nil && report.Status != "" {
			body["data"] = report
		}
		return c.Status(fiber.StatusInternalServerError).JSON(body)
	default:
		log.WithError(err).Error("validation failed")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Verification failed", nil)
	}
}
