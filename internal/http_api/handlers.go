package http_api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/core-coin/pecunia/internal/catalog"
	"github.com/core-coin/pecunia/internal/derivation"
	"github.com/core-coin/pecunia/internal/ingest"
	"github.com/core-coin/pecunia/internal/ledger"
	"github.com/core-coin/pecunia/internal/models"
	"github.com/core-coin/pecunia/internal/pecunia"
	"github.com/core-coin/pecunia/internal/wallet"
	"github.com/core-coin/pecunia/internal/webhook"
)

// CreateWalletRequest initializes a master wallet. With an xpub the wallet is
// imported watch-only, otherwise custody generates the key.
type CreateWalletRequest struct {
	Asset         string `json:"asset" binding:"required"`
	Network       string `json:"network" binding:"required"`
	XPub          string `json:"xpub"`
	CustodyHandle string `json:"custody_handle"`
}

type DeactivateWalletRequest struct {
	Reason string `json:"reason" binding:"required,max=255"`
}

// CreateInvoiceRequest represents the JSON body for invoice creation
type CreateInvoiceRequest struct {
	MerchantID string          `json:"merchant_id" binding:"required,uuid"`
	Asset      string          `json:"asset" binding:"required"`
	Network    string          `json:"network" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	OrderID    string          `json:"order_id" binding:"max=128"`
	TTLSeconds int64           `json:"ttl_seconds" binding:"min=0"`
}

// InvoiceResponse is an invoice with its deposit address and transactions.
type InvoiceResponse struct {
	Success      bool                      `json:"success"`
	Invoice      *models.Invoice           `json:"invoice"`
	Transactions []models.ChainTransaction `json:"transactions,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, wallet.ErrNoActiveWallet),
		errors.Is(err, wallet.ErrNativeWalletMissing),
		errors.Is(err, wallet.ErrWalletNotActive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvoiceNotFound),
		errors.Is(err, ledger.ErrMerchantNotFound),
		errors.Is(err, wallet.ErrWalletNotFound),
		errors.Is(err, webhook.ErrDeliveryNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrAssetNotFound),
		errors.Is(err, catalog.ErrAssetDisabled),
		errors.Is(err, ledger.ErrAssetNotAvailable),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, derivation.ErrInvalidExtendedKey),
		errors.Is(err, derivation.ErrWatchOnlyUnsupported),
		errors.Is(err, derivation.ErrUnsupportedChainFamily),
		errors.Is(err, ingest.ErrInvalidEvent),
		errors.Is(err, ingest.ErrAssetMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, wallet.ErrWalletExists),
		errors.Is(err, webhook.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, pecunia.ErrInvalidSignature):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   msg,
	})
}

func (s *HTTPServer) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   msg,
	})
}

func (s *HTTPServer) idParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.badRequest(c, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *HTTPServer) health(c *gin.Context) {
	h := s.pecunia.Health(c.Request.Context())
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *HTTPServer) listAssets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"assets":  s.pecunia.Assets(),
	})
}

func (s *HTTPServer) createWallet(c *gin.Context) {
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	var (
		w   *models.MasterWallet
		err error
	)
	if req.XPub != "" {
		w, err = s.pecunia.ImportWallet(c.Request.Context(), req.Asset, req.Network, req.XPub, req.CustodyHandle)
	} else {
		w, err = s.pecunia.InitializeWallet(c.Request.Context(), req.Asset, req.Network)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"wallet":  w,
	})
}

func (s *HTTPServer) deactivateWallet(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	var req DeactivateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if err := s.pecunia.DeactivateWallet(c.Request.Context(), id, req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *HTTPServer) deleteWallet(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	if err := s.pecunia.DeleteWallet(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *HTTPServer) createInvoice(c *gin.Context) {
	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if !req.Amount.IsPositive() {
		s.badRequest(c, ledger.ErrInvalidAmount.Error())
		return
	}
	invoice, _, err := s.pecunia.CreateInvoice(c.Request.Context(), pecunia.CreateInvoiceRequest{
		MerchantID: uuid.MustParse(req.MerchantID),
		Asset:      req.Asset,
		Network:    req.Network,
		Amount:     req.Amount,
		OrderID:    req.OrderID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, InvoiceResponse{Success: true, Invoice: invoice})
}

func (s *HTTPServer) getInvoice(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	invoice, txs, err := s.pecunia.GetInvoice(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, InvoiceResponse{Success: true, Invoice: invoice, Transactions: txs})
}

func (s *HTTPServer) cancelInvoice(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	invoice, err := s.pecunia.CancelInvoice(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, InvoiceResponse{Success: true, Invoice: invoice})
}

func (s *HTTPServer) merchantBalance(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	asset, network := c.Query("asset"), c.Query("network")
	if asset == "" || network == "" {
		s.badRequest(c, "asset and network are required")
		return
	}
	balance, err := s.pecunia.Balance(c.Request.Context(), id, asset, network)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"balance": balance,
	})
}

// chainNotification receives transfer events from the chain notification
// source. Unknown addresses are acknowledged so the source does not retry.
func (s *HTTPServer) chainNotification(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxNotificationBody))
	if err != nil {
		s.badRequest(c, "Invalid request body")
		return
	}
	out, err := s.pecunia.HandleNotification(c.Request.Context(), body, c.GetHeader("X-Source-Signature"))
	if errors.Is(err, ingest.ErrUnrecognizedAddress) {
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"message": "address not watched",
		})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"outcome": out,
	})
}

func (s *HTTPServer) webhookStats(c *gin.Context) {
	stats, err := s.pecunia.Webhooks().Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stats":   stats,
	})
}

func (s *HTTPServer) failedWebhooks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	failed, err := s.pecunia.Webhooks().Failed(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"deliveries": failed,
	})
}

func (s *HTTPServer) getWebhook(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	d, err := s.pecunia.Webhooks().Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	attempts, err := s.pecunia.Webhooks().Attempts(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"delivery": d,
		"attempts": attempts,
	})
}

func (s *HTTPServer) retryWebhook(c *gin.Context) {
	id, ok := s.idParam(c)
	if !ok {
		return
	}
	if err := s.pecunia.Webhooks().Retry(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}
