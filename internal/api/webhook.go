package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// signatureHeader carries the hex HMAC-SHA256 of the raw request body
const signatureHeader = "X-Signature"

// verifySignature checks the webhook HMAC against the shared secret
func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// bankTransferWebhook receives signed settlement callbacks. An invalid
// signature is rejected outright with no state mutated; everything else
// is answered 200 and redeliveries are deduplicated downstream.
func (h *Handler) bankTransferWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	if !verifySignature(h.webhookSecret, body, c.GetHeader(signatureHeader)) {
		util.GetLogger().Warn("Webhook signature rejected",
			zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var transfer models.BankTransferWebhook
	if err := json.Unmarshal(body, &transfer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed payload"})
		return
	}

	if err := h.settlement.HandleBankTransfer(c.Request.Context(), &transfer); err != nil {
		util.GetLogger().Error("Settlement processing failed",
			zap.String("tx_id", transfer.TransactionID),
			zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
