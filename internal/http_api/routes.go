package http_api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")

	v1.GET("/assets", s.listAssets)

	v1.POST("/wallets", s.createWallet)
	v1.POST("/wallets/:id/deactivate", s.deactivateWallet)
	v1.DELETE("/wallets/:id", s.deleteWallet)

	v1.POST("/invoices", s.createInvoice)
	v1.GET("/invoices/:id", s.getInvoice)
	v1.POST("/invoices/:id/cancel", s.cancelInvoice)

	v1.GET("/merchants/:id/balance", s.merchantBalance)

	v1.POST("/notifications/chain", s.chainNotification)

	v1.GET("/webhooks/stats", s.webhookStats)
	v1.GET("/webhooks/failed", s.failedWebhooks)
	v1.GET("/webhooks/:id", s.getWebhook)
	v1.POST("/webhooks/:id/retry", s.retryWebhook)
}
