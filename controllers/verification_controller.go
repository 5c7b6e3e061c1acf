package controller

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailscore/middleware"
	"mailscore/models"
	"mailscore/store"
	"mailscore/utils"
	"mailscore/verifier"
)

// MaxMultipleEmails bounds a synchronous multi-address request.
const MaxMultipleEmails = 100

// MaxJobEmails bounds an asynchronous job submission.
const MaxJobEmails = 100000

type VerificationController struct {
	Engine    *verifier.Engine
	Ledger    store.Ledger
	Results   store.ResultStore
	Jobs      store.JobStore
	Sessions  store.SessionStore
	BatchSize int
	Workers   int
	Logger    logrus.FieldLogger
}

func NewVerificationController(engine *verifier.Engine, ledger store.Ledger, results store.ResultStore, jobs store.JobStore, sessions store.SessionStore, logger logrus.FieldLogger) *VerificationController {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &VerificationController{
		Engine:    engine,
		Ledger:    ledger,
		Results:   results,
		Jobs:      jobs,
		Sessions:  sessions,
		BatchSize: verifier.DefaultBatchSize,
		Workers:   verifier.DefaultBatchWorkers,
		Logger:    logger.WithField("component", "verification"),
	}
}

// VerifyEmail validates a single address: GET /verify/email?email=&mode=
func (vc *VerificationController) VerifyEmail(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	mode, err := verifier.ParseMode(c.Query("mode"), verifier.Deep)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	report, err := vc.Engine.Validate(c.UserContext(), c.Query("email"), userID, mode)
	if err != nil {
		return validationFailure(c, vc.Logger, err, &report)
	}
	return c.JSON(utils.SuccessResponse(report))
}

type MultipleRequest struct {
	Emails []string `json:"emails" validate:"required,min=1"`
	Mode   string   `json:"mode" validate:"omitempty,oneof=shallow deep"`
}

// VerifyMultiple validates up to MaxMultipleEmails addresses and answers
// once all of them are done.
func (vc *VerificationController) VerifyMultiple(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var req MultipleRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request format", err)
	}
	req.Emails = utils.DedupeEmails(req.Emails)
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if len(req.Emails) > MaxMultipleEmails {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Too many emails",
			fmt.Errorf("at most %d addresses per request", MaxMultipleEmails))
	}
	mode, err := verifier.ParseMode(req.Mode, verifier.Deep)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	items := make([]verifier.BatchItem, len(req.Emails))
	var firstErr error
	validated := 0
	for item := range vc.Engine.ValidateBatch(c.UserContext(), vc.batchRequest(userID, mode, req.Emails)) {
		items[item.Index] = item
		if item.Report != nil {
			validated++
		} else if firstErr == nil && item.Err != nil {
			firstErr = item.Err
		}
	}
	if validated == 0 && verifier.IsCreditError(firstErr) {
		return validationFailure(c, vc.Logger, firstErr, nil)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"results":   items,
		"total":     len(items),
		"validated": validated,
	}))
}

// StartBulk stores an uploaded list and returns the session the progress
// socket will run.
func (vc *VerificationController) StartBulk(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	mode, err := verifier.ParseMode(c.FormValue("mode"), verifier.Deep)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "A .csv or .txt file is required", err)
	}
	emails, err := readUpload(file.Filename, file)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Could not read uploaded file", err)
	}
	if len(emails) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "No email addresses found in file", nil)
	}

	id, err := vc.Sessions.Save(c.UserContext(), store.BulkSession{UserID: userID, Mode: string(mode), Emails: emails})
	if err != nil {
		utils.LogError("bulk_session_save", err, map[string]interface{}{"user_id": userID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to start bulk verification", nil)
	}

	utils.LogEvent("bulk_session_created", map[string]interface{}{
		"user_id":    userID,
		"session_id": id,
		"total":      len(emails),
	})
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"session_id": id,
		"total":      len(emails),
	}))
}

type JobRequest struct {
	Name      string   `json:"name"`
	Emails    []string `json:"emails" validate:"required,min=1"`
	Mode      string   `json:"mode" validate:"omitempty,oneof=shallow deep"`
	BatchSize int      `json:"batch_size" validate:"omitempty,gt=0"`
	Notify    bool     `json:"notify"`
}

// CreateJob queues an asynchronous validation job.
func (vc *VerificationController) CreateJob(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var req JobRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request format", err)
	}
	req.Emails = utils.DedupeEmails(req.Emails)
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if len(req.Emails) > MaxJobEmails {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Too many emails",
			fmt.Errorf("at most %d addresses per job", MaxJobEmails))
	}
	mode, err := verifier.ParseMode(req.Mode, verifier.Deep)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	job := &models.ValidationJob{
		UserID:    userID,
		Name:      req.Name,
		Mode:      string(mode),
		BatchSize: req.BatchSize,
		Notify:    req.Notify,
	}
	if job.Name == "" {
		job.Name = "Validation " + time.Now().Format("2006-01-02 15:04")
	}
	if job.BatchSize == 0 {
		job.BatchSize = vc.BatchSize
	}
	job.SetEmailList(req.Emails)

	if err := vc.Jobs.Create(c.UserContext(), job); err != nil {
		utils.LogError("job_create", err, map[string]interface{}{"user_id": userID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create validation job", nil)
	}

	utils.LogEvent("validation_job_created", map[string]interface{}{
		"user_id": userID,
		"job_id":  job.ID,
		"total":   job.Total,
	})
	return c.Status(fiber.StatusAccepted).JSON(utils.SuccessResponse(job))
}

// GetJob reports a job's status and counters.
func (vc *VerificationController) GetJob(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	id, err := utils.ParseID(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid job id", err)
	}

	job, err := vc.Jobs.Get(c.UserContext(), userID, id)
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Job not found", nil)
	}
	if err != nil {
		utils.LogError("job_get", err, map[string]interface{}{"user_id": userID, "job_id": id})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load job", nil)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"job":     job,
		"percent": job.Percent(),
	}))
}

// GetResults lists stored validations, newest first.
func (vc *VerificationController) GetResults(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	page, limit := store.PageBounds(c.QueryInt("page", 1), c.QueryInt("limit", 20))

	records, total, err := vc.Results.List(c.UserContext(), userID, c.Query("status"), page, limit)
	if err != nil {
		utils.LogError("results_list", err, map[string]interface{}{"user_id": userID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load results", nil)
	}
	return c.JSON(utils.SuccessResponse(utils.NewPage(records, total, page, limit)))
}

// GetResult returns the stored validation of one address.
func (vc *VerificationController) GetResult(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	raw, err := url.PathUnescape(c.Params("email"))
	if err != nil || strings.TrimSpace(raw) == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email", nil)
	}
	key := strings.TrimSpace(raw)
	if addr, ok := verifier.ParseAddress(key); ok {
		key = addr.String()
	}

	record, err := vc.Results.Get(c.UserContext(), userID, key)
	if errors.Is(err, store.ErrNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "No validation found for this email", nil)
	}
	if err != nil {
		utils.LogError("result_get", err, map[string]interface{}{"user_id": userID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load result", nil)
	}
	return c.JSON(utils.SuccessResponse(record))
}

// GetCredits returns the caller's verification balance.
func (vc *VerificationController) GetCredits(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	balance, err := vc.Ledger.Balance(c.UserContext(), userID)
	if errors.Is(err, verifier.ErrUserNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "User not found", nil)
	}
	if err != nil {
		utils.LogError("credits_get", err, map[string]interface{}{"user_id": userID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load credits", nil)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"verify_credits": balance}))
}

func (vc *VerificationController) batchRequest(userID uint, mode verifier.Mode, emails []string) verifier.BatchRequest {
	return verifier.BatchRequest{
		Emails:    emails,
		UserID:    userID,
		Mode:      mode,
		BatchSize: vc.BatchSize,
		Workers:   vc.Workers,
	}
}
