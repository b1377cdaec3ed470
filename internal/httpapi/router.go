package httpapi

import (
	"github.com/gin-gonic/gin"
)

type RouterConfig struct {
	// MaxInflight bounds concurrently served requests. Zero means 64.
	MaxInflight int
}

func Router(h *Handlers, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), Tracing(), Metrics())

	r.GET("/healthz", h.Healthz)

	// Backpressure at the edge.
	// Prevents unbounded goroutine/pool queueing when the DB is saturated.
	limited := r.Group("/", withConcurrencyLimit(cfg.MaxInflight))
	limited.POST("/transfer", h.PostTransfer)

	v1 := limited.Group("/v1")
	v1.POST("/transfers", h.PostTransfer)
	v1.GET("/transfers/:transfer_id", h.GetTransfer)
	v1.GET("/transfers/by-request/:request_id", h.GetTransferByRequest)
	v1.GET("/accounts/:account_id/balance", h.GetBalance)

	return r
}
