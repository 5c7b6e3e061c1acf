package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"mailscore/middleware"
	"mailscore/utils"
	"mailscore/verifier"
)

type bulkProgress struct {
	Percent   int                `json:"percent"`
	Completed int                `json:"completed"`
	Total     int                `json:"total"`
	Result    verifier.BatchItem `json:"result"`
}

// BulkProgressWS runs a stored bulk session and pushes one message per
// address, then a final {"done": true}. Closing the socket cancels the
// remaining validations.
func (vc *VerificationController) BulkProgressWS(c *websocket.Conn) {
	defer c.Close()

	userID, _ := c.Locals("userID").(uint)
	sessionID := c.Params("session_id")
	log := vc.Logger.WithFields(logrus.Fields{"user_id": userID, "session_id": sessionID})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := vc.Sessions.Take(ctx, sessionID)
	if err != nil || session.UserID != userID {
		_ = c.WriteJSON(fiber.Map{"done": true, "error": "Session not found or expired"})
		return
	}
	mode, err := verifier.ParseMode(session.Mode, verifier.Deep)
	if err != nil {
		_ = c.WriteJSON(fiber.Map{"done": true, "error": err.Error()})
		return
	}

	// The client only ever closes; a read error means it went away. The
	// reader must be gone before the handler returns: the connection's
	// buffers go back to fasthttp's pool afterwards.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()
	defer func() {
		_ = c.Close()
		<-readerDone
	}()

	total := len(session.Emails)
	completed, broken := 0, false
	for item := range vc.Engine.ValidateBatch(ctx, vc.batchRequest(userID, mode, session.Emails)) {
		completed = item.Completed
		if broken {
			continue
		}
		msg := bulkProgress{Percent: item.Percent(), Completed: item.Completed, Total: total, Result: item}
		if err := c.WriteJSON(msg); err != nil {
			log.WithError(err).Warn("progress socket closed early")
			broken = true
			cancel()
		}
	}
	if broken {
		return
	}
	if err := c.WriteJSON(fiber.Map{"done": true, "completed": completed, "total": total}); err != nil {
		log.WithError(err).Debug("failed to write completion message")
	}
	log.WithField("completed", completed).Info("bulk session finished")
}

// BatchStream validates every address of the uploaded files and streams the
// items as server-sent events, ending with "data: [DONE]".
func (vc *VerificationController) BatchStream(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	mode, err := verifier.ParseMode(c.FormValue("mode"), verifier.Deep)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	form, err := c.MultipartForm()
	if err != nil || len(form.File["files"]) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "At least one .csv or .txt file is required", nil)
	}

	var emails []string
	for _, fh := range form.File["files"] {
		list, err := readUpload(fh.Filename, fh)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Could not read "+fh.Filename, err)
		}
		emails = append(emails, list...)
	}
	emails = utils.DedupeEmails(emails)
	if len(emails) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "No email addresses found in files", nil)
	}

	req := vc.batchRequest(userID, mode, emails)
	engine := vc.Engine
	log := vc.Logger.WithFields(logrus.Fields{"user_id": userID, "total": len(emails)})

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		broken := false
		for item := range engine.ValidateBatch(ctx, req) {
			if broken {
				continue
			}
			if err := writeEvent(w, item); err != nil {
				log.WithError(err).Warn("batch stream client went away")
				broken = true
				cancel()
			}
		}
		if !broken {
			_, _ = w.WriteString("data: [DONE]\n\n")
			_ = w.Flush()
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func readUpload(name string, fh *multipart.FileHeader) ([]string, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return utils.ParseEmailList(name, f)
}
