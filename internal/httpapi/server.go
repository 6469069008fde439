package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/photorestore/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Run boots the HTTP glue layer using the supplied configuration and wiring.
func Run(ctx context.Context, cfg Config, logger *zap.Logger, service *credits.Service, restorer Restorer, uploads UploadSigner) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:   logger,
		service:  service,
		restorer: restorer,
		uploads:  uploads,
		cfg:      cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Webhooks authenticate with the provider's signed token, not a session.
	router.POST("/api/webhooks/payment", handler.handlePaymentWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/session", handler.handleSession)
	api.GET("/credits", handler.handleCredits)
	api.POST("/restorations", handler.handleRestore)
	api.GET("/restorations", handler.handleHistory)
	api.POST("/uploads", handler.handleUpload)
	api.POST("/checkout", handler.handleCheckout)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	service  *credits.Service
	restorer Restorer
	uploads  UploadSigner
	cfg      Config
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.GetBalance(ctx.Request.Context(), userID)
	if err != nil {
		handler.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, balancePayloadFrom(balance))
}

type restoreRequest struct {
	OriginalRef string `json:"original_ref"`
}

func (handler *httpHandler) handleRestore(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	var request restoreRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	originalRef, err := credits.NewAssetRef(request.OriginalRef)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_original_ref", "original_ref is required"))
		return
	}
	requestCtx := ctx.Request.Context()

	snapshot, err := handler.service.CheckUserCredits(requestCtx, userID)
	if err != nil {
		if errors.Is(err, credits.ErrUserNotFound) {
			ctx.JSON(http.StatusUnauthorized, errorResponse("unknown_user", "sign in again"))
			return
		}
		handler.logger.Error("credit check failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "credit check unavailable"))
		return
	}
	if !snapshot.HasCredits {
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "buy credits or wait for the daily free restoration"))
		return
	}

	deduction, err := handler.service.DeductCreditAndRecordRestoration(requestCtx, userID, originalRef, credits.AssetRef{}, snapshot.ShouldUseFree)
	if err != nil {
		if errors.Is(err, credits.ErrInsufficientCredits) {
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "buy credits or wait for the daily free restoration"))
			return
		}
		handler.logger.Error("credit deduct failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "could not reserve a credit"))
		return
	}

	// A credit is committed from here on. Settlement and rollback must outlive
	// the request context: the provider call commonly fails because the caller
	// disconnected.
	settleCtx := context.WithoutCancel(requestCtx)

	restoredValue, err := handler.restorer.Restore(requestCtx, originalRef.String())
	if err != nil {
		handler.rollback(settleCtx, deduction.RestorationID)
		handler.logger.Error("restore provider failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("restore_failed", "restoration failed, no credit was consumed"))
		return
	}
	restoredRef, err := credits.NewAssetRef(restoredValue)
	if err != nil {
		handler.rollback(settleCtx, deduction.RestorationID)
		handler.logger.Error("restore provider returned invalid ref", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("restore_failed", "restoration failed, no credit was consumed"))
		return
	}
	if err := handler.service.CompleteRestoration(settleCtx, deduction.RestorationID, restoredRef); err != nil {
		handler.rollback(settleCtx, deduction.RestorationID)
		handler.logger.Error("restore completion failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "could not record the restoration"))
		return
	}
	if deduction.UsedFreeCredit {
		handler.service.Tracker().MarkFreeCreditUsedToday(settleCtx, userID)
	}

	ctx.JSON(http.StatusOK, gin.H{
		"restoration_id":         deduction.RestorationID.String(),
		"restored_ref":           restoredRef.String(),
		"used_free_credit":       deduction.UsedFreeCredit,
		"remaining_paid_credits": deduction.RemainingPaidCredits,
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	limit := handler.cfg.HistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= handler.cfg.HistoryLimit {
			limit = parsed
		}
	}
	restorations, err := handler.service.ListRestorations(ctx.Request.Context(), userID, time.Now().UTC().Add(time.Second).Unix(), limit)
	if err != nil {
		if errors.Is(err, credits.ErrUserNotFound) {
			ctx.JSON(http.StatusOK, gin.H{"restorations": []restorationPayload{}})
			return
		}
		handler.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "history unavailable"))
		return
	}
	payload := make([]restorationPayload, 0, len(restorations))
	for _, restoration := range restorations {
		payload = append(payload, restorationPayloadFrom(restoration))
	}
	ctx.JSON(http.StatusOK, gin.H{"restorations": payload})
}

func (handler *httpHandler) handleUpload(ctx *gin.Context) {
	if _, ok := handler.authenticatedUserID(ctx); !ok {
		return
	}
	key, uploadURL, err := handler.uploads.PresignedPutURL(ctx.Request.Context())
	if err != nil {
		handler.logger.Error("presign failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("storage_error", "upload unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"asset_key":  key,
		"upload_url": uploadURL,
	})
}

type checkoutRequest struct {
	Package string `json:"package"`
}

func (handler *httpHandler) handleCheckout(ctx *gin.Context) {
	userID, ok := handler.authenticatedUserID(ctx)
	if !ok {
		return
	}
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	creditPackage, found := PackageByType(request.Package)
	if !found {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_package", "unknown credit package"))
		return
	}
	token, sessionID, err := newCheckoutToken(handler.cfg.WebhookSigningKey, userID.String(), creditPackage, time.Now().UTC())
	if err != nil {
		handler.logger.Error("checkout token failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("checkout_error", "could not start checkout"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"checkout_url": checkoutRedirectURL(handler.cfg.CheckoutBaseURL, token),
		"session_id":   sessionID,
	})
}

type webhookRequest struct {
	Token string `json:"token"`
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	var request webhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Token == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected signed event token"))
		return
	}
	claims, err := parseWebhookToken(handler.cfg.WebhookSigningKey, request.Token)
	if err != nil {
		handler.logger.Warn("webhook token rejected", zap.Error(err))
		ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_token", "event signature rejected"))
		return
	}
	userID, err := credits.NewUserID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_token", "event subject rejected"))
		return
	}
	err = handler.service.GrantPurchasedCredits(ctx.Request.Context(), userID, claims.PackageType, claims.Credits, claims.AmountCents, claims.SessionID)
	if err != nil {
		if errors.Is(err, credits.ErrDuplicatePurchase) {
			ctx.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
		handler.logger.Error("purchase fulfillment failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("store_error", "fulfillment failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "fulfilled"})
}

func (handler *httpHandler) rollback(ctx context.Context, restorationID credits.RestorationID) {
	if err := handler.service.RollbackRestoration(ctx, restorationID); err != nil {
		handler.logger.Error("rollback failed",
			zap.String("restoration_id", restorationID.String()),
			zap.Error(err))
	}
}

func (handler *httpHandler) authenticatedUserID(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return credits.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type balancePayload struct {
	PaidCredits   int64  `json:"paid_credits"`
	HasFreeDaily  bool   `json:"has_free_daily"`
	TotalCredits  int64  `json:"total_credits"`
	FreeResetTime string `json:"free_reset_time"`
}

func balancePayloadFrom(balance credits.Balance) balancePayload {
	return balancePayload{
		PaidCredits:   balance.PaidCredits,
		HasFreeDaily:  balance.HasFreeDaily,
		TotalCredits:  balance.TotalCredits,
		FreeResetTime: balance.FreeResetTime.UTC().Format(time.RFC3339),
	}
}

type restorationPayload struct {
	RestorationID  string `json:"restoration_id"`
	OriginalRef    string `json:"original_ref"`
	RestoredRef    string `json:"restored_ref"`
	UsedFreeCredit bool   `json:"used_free_credit"`
	Status         string `json:"status"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func restorationPayloadFrom(restoration credits.Restoration) restorationPayload {
	return restorationPayload{
		RestorationID:  restoration.RestorationID,
		OriginalRef:    restoration.OriginalRef,
		RestoredRef:    restoration.RestoredRef,
		UsedFreeCredit: restoration.UsedFreeCredit,
		Status:         restoration.Status.String(),
		CreatedUnixUTC: restoration.CreatedUnixUTC,
	}
}
