package http

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ebuilderhost/provisioner/internal/service"
)

// StripeWebhook handles POST /api/webhook/stripe.
//
// The endpoint answers in bounded time: signature check, envelope parse,
// and the durable ledger insert happen synchronously, then provisioning
// runs on a tracked goroutine. A bad signature is answered 401 and a
// failed ledger insert 500; everything else returns 200 so the provider
// stops redelivering an event we have already recorded.
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read payload"})
		return
	}

	result, ev, err := h.proc.Ingest(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch result {
	case service.Unauthenticated:
		log.Printf("[Webhook] Rejected delivery: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	case service.AlreadyProcessed:
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	case service.RecordFailed:
		// Nothing durable exists for this event yet. A 5xx makes the
		// provider redeliver instead of marking it received.
		log.Printf("[Webhook] Failed to record delivery: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event not recorded"})
		return
	}

	// The request context dies with this response; processing gets its
	// own.
	if submitErr := h.orch.Submit(func() {
		h.proc.Process(context.Background(), ev)
	}); submitErr != nil {
		// Draining. The event is recorded; finish it before we answer so
		// it is not stranded as pending.
		h.proc.Process(c.Request.Context(), ev)
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
