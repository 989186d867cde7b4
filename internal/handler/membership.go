package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/chordfinder/api/internal/middleware"
	"github.com/chordfinder/api/internal/model"
	"github.com/chordfinder/api/internal/service"
	"github.com/chordfinder/api/pkg/response"
)

type MembershipHandler struct {
	service       *service.BillingService
	webhookSecret string
}

func NewMembershipHandler(svc *service.BillingService, webhookSecret string) *MembershipHandler {
	return &MembershipHandler{
		service:       svc,
		webhookSecret: webhookSecret,
	}
}

// Get handles GET /api/membership
func (h *MembershipHandler) Get(c *fiber.Ctx) error {
	sub, err := h.service.GetMembership(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, sub)
}

// Webhook handles POST /webhooks/billing. The body is authenticated
// with an HMAC-SHA256 signature header before any state changes.
func (h *MembershipHandler) Webhook(c *fiber.Ctx) error {
	if h.webhookSecret == "" {
		return response.ServiceError(c, "Billing webhook not configured")
	}

	signature := c.Get("X-Billing-Signature")
	if signature == "" {
		return response.Unauthorized(c, "Missing signature")
	}

	body := c.Body()
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return response.Unauthorized(c, "Invalid signature")
	}

	var event model.BillingEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return response.ValidationError(c, "Invalid event payload", nil)
	}

	if err := h.service.HandleEvent(c.Context(), &event); err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, fiber.Map{"received": true})
}
