package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-nostrchat/internal/http/middleware"
	"github.com/tbourn/go-nostrchat/internal/services"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RelayStatus reports whether the relay socket is up.
type RelayStatus interface {
	Connected() bool
}

// SubscriptionStatus exposes the long-lived DM subscription in effect.
type SubscriptionStatus interface {
	Current() (services.Subscription, bool)
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Status            string            `json:"status"`
	Checks            map[string]string `json:"checks"`
	SubscribedPubkeys int               `json:"subscribed_pubkeys"`
	Since             int64             `json:"since"`
}

// Handler serves the liveness and readiness probes.
type Handler struct {
	DB          Pinger
	Relay       RelayStatus
	Subs        SubscriptionStatus
	PingTimeout time.Duration
}

// New wires the probe dependencies. Subs may be nil.
func New(db Pinger, relay RelayStatus, subs SubscriptionStatus) *Handler {
	return &Handler{DB: db, Relay: relay, Subs: subs, PingTimeout: 2 * time.Second}
}

// Health reports process liveness only.
func (h *Handler) Health(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// Ready reports 200 when the database answers a ping and the relay socket is
// connected, 503 otherwise. The subscription state is informational: a node
// without accounts has nothing to subscribe to and is still ready.
func (h *Handler) Ready(c *gin.Context) {
	resp := ReadyResponse{Status: "ready", Checks: map[string]string{}}
	ready := true

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.PingTimeout)
	defer cancel()
	switch {
	case h.DB == nil:
		resp.Checks["db"] = "missing"
		ready = false
	default:
		if err := h.DB.PingContext(ctx); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("readiness db ping failed")
			resp.Checks["db"] = "unreachable"
			ready = false
		} else {
			resp.Checks["db"] = "ok"
		}
	}

	if h.Relay != nil && h.Relay.Connected() {
		resp.Checks["relay"] = "ok"
	} else {
		resp.Checks["relay"] = "disconnected"
		ready = false
	}

	if h.Subs != nil {
		sub, active := h.Subs.Current()
		resp.SubscribedPubkeys = len(sub.PublicKeys)
		resp.Since = sub.Since
		if active {
			resp.Checks["subscription"] = "active"
		} else {
			resp.Checks["subscription"] = "inactive"
		}
	}

	if !ready {
		resp.Status = ErrCodeUnavailable
		ok(c, http.StatusServiceUnavailable, resp)
		return
	}
	ok(c, http.StatusOK, resp)
}
