// Package api exposes the engine over HTTP with gin and streams party
// snapshots over websockets.
//
// Identity is taken from the request body; authentication happens in front
// of this service.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NicolasHaas/rally/pkg/metrics"
	"github.com/NicolasHaas/rally/pkg/party"
	"github.com/NicolasHaas/rally/pkg/presence"
	"github.com/NicolasHaas/rally/pkg/queue"
	"github.com/NicolasHaas/rally/pkg/store"
)

// Subscriber streams party snapshots.
type Subscriber interface {
	Subscribe(ctx context.Context, filter store.PartyFilter) (<-chan store.Snapshot, error)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Parties  *party.Manager
	Queues   *queue.Coordinator
	Presence presence.Writer
	Feed     Subscriber
	Metrics  *metrics.Metrics
	Now      func() time.Time

	// Debug enables gin's request logger and debug mode.
	Debug bool
}

type handlers struct {
	Deps
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if d.Debug {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{Deps: d}

	api := r.Group("/api")
	{
		api.POST("/branches/:branch/parties", h.createParty)
		api.GET("/branches/:branch/parties", h.listParties)

		api.GET("/parties/:id", h.getParty)
		api.POST("/parties/:id/join", h.joinParty)
		api.POST("/parties/:id/leave", h.leaveParty)
		api.POST("/parties/:id/kick", h.kickMember)
		api.DELETE("/parties/:id", h.disbandParty)

		api.GET("/users/:id/party", h.partyOf)
		api.POST("/presence/heartbeat", h.heartbeat)

		api.GET("/queues/:id", h.queueEntries)
		api.POST("/queues/:id/join", h.queueJoin)
		api.POST("/queues/:id/leave", h.queueLeave)
		api.GET("/queues/:id/position/:user", h.queuePosition)
		api.POST("/queues/:id/serve", h.queueServe)

		api.GET("/cooldowns/:user", h.getCooldown)
		api.PUT("/cooldowns/:user", h.setCooldown)
		api.DELETE("/cooldowns/:user", h.clearCooldown)
	}

	r.GET("/ws/parties", h.streamParties)

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}
	r.GET("/healthz", gin.WrapF(metrics.Healthz))

	slog.Debug("api router ready", "routes", len(r.Routes()))
	return r
}
