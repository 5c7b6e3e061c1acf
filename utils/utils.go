package utils

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// RateLimitKey scopes limiter counters to one user and endpoint.
func RateLimitKey(userID uint, path string) string {
	return "verify:" + strconv.FormatUint(uint64(userID), 10) + ":" + path
}

// ErrorResponse writes the error envelope. err is exposed to the client as
// details, so handlers pass nil for internal failures.
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	body := fiber.Map{
		"success": false,
		"status":  status,
		"error":   message,
	}
	if err != nil {
		body["details"] = err.Error()
	}
	return c.Status(status).JSON(body)
}

// SuccessResponse wraps data in the success envelope.
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// ParseID reads a positive numeric path parameter.
func ParseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}

// Page is one page of a listing together with the bounds that produced it.
type Page[T any] struct {
	Data  []T   `json:"data"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Pages int64 `json:"pages"`
}

func NewPage[T any](items []T, total int64, page, limit int) Page[T] {
	if items == nil {
		items = []T{}
	}
	p := Page[T]{Data: items, Total: total, Page: page, Limit: limit}
	if limit > 0 {
		p.Pages = (total + int64(limit) - 1) / int64(limit)
	}
	return p
}
