package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/congo-pay/walletcore/internal/ledger"
)

const (
	ownerKindHeader = "X-Owner-Kind"
	ownerIDHeader   = "X-Owner-ID"
	ownerLocal      = "owner"
)

// OwnerReference reads the caller identity placed by the upstream identity
// layer and rejects requests without one. Header values are copied because
// the owner outlives the request buffer.
func OwnerReference() fiber.Handler {
	return func(c *fiber.Ctx) error {
		owner := ledger.Owner{
			Kind: ledger.OwnerKind(strings.ToLower(strings.TrimSpace(utils.CopyString(c.Get(ownerKindHeader))))),
			ID:   strings.TrimSpace(utils.CopyString(c.Get(ownerIDHeader))),
		}
		if owner.Kind == "" && owner.ID != "" {
			owner.Kind = ledger.OwnerUser
		}
		if !owner.Valid() {
			return fiber.NewError(http.StatusUnauthorized, "missing owner reference")
		}
		c.Locals(ownerLocal, owner)
		return c.Next()
	}
}

// OwnerFrom returns the owner stored by OwnerReference.
func OwnerFrom(c *fiber.Ctx) (ledger.Owner, bool) {
	owner, ok := c.Locals(ownerLocal).(ledger.Owner)
	return owner, ok
}
