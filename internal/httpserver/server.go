package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"

	"github.com/pixelmint/billing/internal/payments"
	"github.com/pixelmint/billing/pkg/credits"
)

const (
	maxHistoryLimit     = 100
	maxWebhookBodyBytes = 1 << 16
)

// EventVerifier authenticates a webhook payload before any of it is trusted.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (stripe.Event, error)
}

// Server is the HTTP surface over the credit ledger and payment flow.
type Server struct {
	cfg       Config
	logger    *zap.Logger
	credits   *credits.Service
	processor *payments.Processor
	checkout  *payments.CheckoutService
	verifier  EventVerifier
	router    *gin.Engine
}

// New validates the configuration and builds the routed server.
func New(cfg Config, logger *zap.Logger, creditService *credits.Service, processor *payments.Processor, checkout *payments.CheckoutService, verifier EventVerifier) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("http config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if creditService == nil || processor == nil || checkout == nil || verifier == nil {
		return nil, fmt.Errorf("http server: nil dependency")
	}
	server := &Server{
		cfg:       cfg,
		logger:    logger,
		credits:   creditService,
		processor: processor,
		checkout:  checkout,
		verifier:  verifier,
	}
	server.router = server.setupRouter()
	return server, nil
}

// Handler exposes the router for tests and embedding.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("billing api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/stripe", server.handleWebhook)

	api := router.Group("/api")
	api.POST("/checkout", server.handleCheckout)
	api.POST("/payments/:session_id/reconcile", server.handleReconcile)
	api.GET("/users/:user_id/balance", server.handleBalance)
	api.POST("/users/:user_id/spend", server.handleSpend)
	api.POST("/users/:user_id/promo", server.handlePromo)

	admin := api.Group("")
	admin.Use(adminAuth([]byte(server.cfg.AdminJWTSecret)))
	admin.POST("/payments/:session_id/refund", server.handleRefund)
	admin.POST("/users/:user_id/adjust", server.handleAdjust)
	admin.GET("/users/:user_id/entries", server.handleEntries)

	return router
}

// handleWebhook verifies the signature against the raw body before anything
// in the payload is parsed or trusted. Processing failures answer 500 so the
// provider redelivers; every expected branch answers 200. The body read is
// capped well above any real provider event.
func (server *Server) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", "body exceeds webhook size limit"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := server.verifier.Verify(payload, ctx.GetHeader("Stripe-Signature"))
	if err != nil {
		server.logger.Warn("webhook signature rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	result, err := server.processor.Process(requestCtx, event)
	if err != nil {
		server.logger.Error("webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("processing_failed", "event processing failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"received":   true,
		"event_id":   result.EventID,
		"event_type": result.EventType,
		"outcome":    string(result.Outcome),
	})
}

func (server *Server) handleCheckout(ctx *gin.Context) {
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	pkg, found := server.cfg.PackageByID(request.PackageID)
	if !found {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_package", fmt.Sprintf("no package %q", request.PackageID)))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	session, err := server.checkout.Begin(requestCtx, request.UserID, pkg)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidRecord) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
			return
		}
		server.logger.Error("checkout failed", zap.String("user_id", request.UserID), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("checkout_failed", "could not open checkout session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"session_id":   session.SessionID,
		"checkout_url": session.URL,
	})
}

func (server *Server) handleReconcile(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	result, err := server.processor.Reconcile(requestCtx, sessionID)
	if err != nil {
		server.logger.Error("reconcile failed", zap.String("session_id", sessionID), zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "could not reconcile session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"outcome":    string(result.Outcome),
	})
}

func (server *Server) handleRefund(ctx *gin.Context) {
	sessionID := ctx.Param("session_id")
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	record, err := server.processor.Refund(requestCtx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrUnknownSession):
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_session", "no payment record for session"))
		case errors.Is(err, payments.ErrNotRefundable):
			ctx.JSON(http.StatusConflict, errorResponse("not_refundable", err.Error()))
		default:
			server.logger.Error("refund failed", zap.String("session_id", sessionID), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, errorResponse("refund_failed", "refund could not be applied"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"session_id": record.SessionID,
		"status":     record.Status.String(),
		"credits":    record.Credits,
	})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "invalid user id"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	balance, err := server.credits.Balance(requestCtx, userID)
	if err != nil {
		server.logger.Error("balance lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": userID.String(),
		"balance": balance,
	})
}

func (server *Server) handleSpend(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "invalid user id"))
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := credits.NewCreditAmount(request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "credits must be a positive integer"))
		return
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}
	reason := request.Reason
	if reason == "" {
		reason = "generation spend"
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	entry, err := server.credits.DeductCredits(requestCtx, userID, amount, reason, metadata)
	if err != nil {
		var insufficient *credits.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			ctx.JSON(http.StatusConflict, gin.H{
				"error": gin.H{
					"code":      "insufficient_credits",
					"message":   insufficient.Error(),
					"required":  insufficient.Required,
					"current":   insufficient.Current,
					"shortfall": insufficient.Shortfall,
				},
			})
			return
		}
		server.logger.Error("spend failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "spend failed"))
		return
	}
	server.respondWithEntry(ctx, entry)
}

// handlePromo redeems a promo code. The derived source id makes a code
// creditable at most once per user through the same idempotency machinery
// purchases use.
func (server *Server) handlePromo(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "invalid user id"))
		return
	}
	var request promoRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Code == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with code"))
		return
	}
	amount, err := credits.NewCreditAmount(request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "credits must be a positive integer"))
		return
	}
	sourceID, err := credits.NewSourcePaymentID(fmt.Sprintf("promo:%s:%s", request.Code, userID.String()))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "invalid promo code"))
		return
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(map[string]any{"promo_code": request.Code}))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	entry, err := server.credits.AddCredits(requestCtx, userID, amount, credits.EntryPromoRedemption,
		fmt.Sprintf("promo code %s", request.Code), metadata, &sourceID)
	if err != nil {
		if errors.Is(err, credits.ErrDuplicateSourcePayment) {
			ctx.JSON(http.StatusConflict, errorResponse("promo_already_redeemed", "promo code already redeemed"))
			return
		}
		server.logger.Error("promo redemption failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "redemption failed"))
		return
	}
	server.respondWithEntry(ctx, entry)
}

func (server *Server) handleAdjust(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "invalid user id"))
		return
	}
	var request adjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := credits.NewCreditAmount(request.Credits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "credits must be a positive integer"))
		return
	}
	metadata, err := credits.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}
	description := request.Description
	if description == "" {
		description = "admin adjustment"
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	entry, err := server.credits.AddCredits(requestCtx, userID, amount, credits.EntryAdminAdjustment,
		description, metadata, nil)
	if err != nil {
		server.logger.Error("adjustment failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "adjustment failed"))
		return
	}
	server.respondWithEntry(ctx, entry)
}

func (server *Server) handleEntries(ctx *gin.Context) {
	userID, err := credits.NewUserID(ctx.Param("user_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "invalid user id"))
		return
	}
	before, _ := strconv.ParseInt(ctx.Query("before"), 10, 64)
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	entries, err := server.credits.Entries(requestCtx, userID, before, limit)
	if err != nil {
		server.logger.Error("entries lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "entries unavailable"))
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, mapEntry(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": userID.String(),
		"entries": payload,
	})
}

func (server *Server) respondWithEntry(ctx *gin.Context, entry credits.Entry) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	userID, err := credits.NewUserID(entry.UserID)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "invalid entry owner"))
		return
	}
	balance, err := server.credits.Balance(requestCtx, userID)
	if err != nil {
		server.logger.Error("balance lookup failed", zap.String("user_id", entry.UserID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"entry":   mapEntry(entry),
		"balance": balance,
	})
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func mapEntry(entry credits.Entry) entryPayload {
	sourcePaymentID := ""
	if entry.SourcePaymentID != nil {
		sourcePaymentID = *entry.SourcePaymentID
	}
	metadata := entry.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	return entryPayload{
		EntryID:         entry.EntryID,
		Type:            entry.Type.String(),
		AmountCredits:   entry.Amount,
		Description:     entry.Description,
		SourcePaymentID: sourcePaymentID,
		Metadata:        json.RawMessage(metadata),
		CreatedUnixUTC:  entry.CreatedUnixUTC,
	}
}

type checkoutRequest struct {
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id"`
}

type spendRequest struct {
	Credits  int64          `json:"credits"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata"`
}

type promoRequest struct {
	Code    string `json:"code"`
	Credits int64  `json:"credits"`
}

type adjustRequest struct {
	Credits     int64          `json:"credits"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type entryPayload struct {
	EntryID         string          `json:"entry_id"`
	Type            string          `json:"type"`
	AmountCredits   int64           `json:"amount_credits"`
	Description     string          `json:"description"`
	SourcePaymentID string          `json:"source_payment_id,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedUnixUTC  int64           `json:"created_unix_utc"`
}
