// Package httpapi exposes the redemption and event-ingestion endpoints
// over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumenretail/loyalty/internal/ingest"
	"github.com/lumenretail/loyalty/pkg/loyalty"
)

const (
	headerTopic      = "X-Shopify-Topic"
	headerShopDomain = "X-Shopify-Shop-Domain"
	headerSignature  = "X-Shopify-Hmac-Sha256"
	headerDeliveryID = "X-Shopify-Webhook-Id"

	bearerPrefix = "Bearer "

	maxWebhookBodyBytes = 1 << 20
)

// Redeemer runs the redemption saga for an authenticated caller.
type Redeemer interface {
	Redeem(ctx context.Context, token string, rewardID loyalty.RewardID) (loyalty.RedemptionReceipt, error)
}

// EventIngestor applies one authenticated commerce event to the ledger.
type EventIngestor interface {
	Ingest(ctx context.Context, rawBody []byte, meta ingest.EventMeta) (ingest.Outcome, error)
}

// Server is the HTTP façade over the loyalty service and ingestion pipeline.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	redeemer Redeemer
	ingestor EventIngestor
}

// NewServer validates the configuration and returns a Server.
func NewServer(cfg Config, redeemer Redeemer, ingestor EventIngestor, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if redeemer == nil {
		return nil, fmt.Errorf("redeemer is required")
	}
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger, redeemer: redeemer, ingestor: ingestor}, nil
}

// Router assembles the gin engine with CORS and all routes.
func (server *Server) Router() *gin.Engine {
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

	app := router.Group("/app")
	app.POST("/redeem", server.handleRedeem)
	app.POST("/webhooks", server.handleWebhook)

	return router
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("loyaltyd listening", zap.String("addr", server.cfg.ListenAddr))
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

type redeemRequest struct {
	RewardID string `json:"reward_id"`
}

func (server *Server) handleRedeem(ctx *gin.Context) {
	token := bearerToken(ctx.GetHeader("Authorization"))
	if token == "" {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthenticated", "missing bearer token"))
		return
	}
	var request redeemRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	rewardID, err := loyalty.NewRewardID(request.RewardID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reward", "reward_id is required"))
		return
	}

	receipt, err := server.redeemer.Redeem(ctx.Request.Context(), token, rewardID)
	if err != nil {
		status, code := redeemErrorStatus(err)
		if status >= http.StatusInternalServerError {
			server.logger.Error("redeem failed",
				zap.String("reward_id", rewardID.String()),
				zap.String("saga_state", string(receipt.State)),
				zap.Error(err),
			)
		}
		ctx.JSON(status, errorResponse(code, err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"code": receipt.Code})
}

func (server *Server) handleWebhook(ctx *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	meta := ingest.EventMeta{
		Topic:      ctx.GetHeader(headerTopic),
		ShopDomain: ctx.GetHeader(headerShopDomain),
		Signature:  ctx.GetHeader(headerSignature),
		DeliveryID: ctx.GetHeader(headerDeliveryID),
	}

	outcome, err := server.ingestor.Ingest(ctx.Request.Context(), rawBody, meta)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnknownSource), errors.Is(err, ingest.ErrInvalidSignature):
			ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", err.Error()))
		case errors.Is(err, ingest.ErrMalformedPayload):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		default:
			// Store failures are retryable; a 5xx makes the sender redeliver.
			server.logger.Error("ingest failed",
				zap.String("topic", meta.Topic),
				zap.String("delivery_id", meta.DeliveryID),
				zap.Error(err),
			)
			ctx.JSON(http.StatusInternalServerError, errorResponse("store_unavailable", "event not applied"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"disposition": string(outcome.Disposition),
	})
}

// redeemErrorStatus maps saga failures onto the HTTP taxonomy. Compensation
// failures are checked first because they wrap the post-pivot cause.
func redeemErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, loyalty.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, loyalty.ErrMemberNotFound):
		return http.StatusNotFound, "member_not_found"
	case errors.Is(err, loyalty.ErrCompensationFailed):
		return http.StatusInternalServerError, "compensation_failed"
	case errors.Is(err, loyalty.ErrRewardNotFound), errors.Is(err, loyalty.ErrRewardInactive):
		return http.StatusBadRequest, "invalid_reward"
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		return http.StatusBadRequest, "insufficient_points"
	case errors.Is(err, loyalty.ErrBeginFailed):
		return http.StatusBadRequest, "begin_failed"
	case errors.Is(err, loyalty.ErrRuleProvisioningFailed):
		return http.StatusBadGateway, "rule_provisioning_failed"
	case errors.Is(err, loyalty.ErrCodeIssuanceFailed):
		return http.StatusBadGateway, "code_issuance_failed"
	case errors.Is(err, loyalty.ErrCommitFailed):
		return http.StatusInternalServerError, "commit_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func bearerToken(header string) string {
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
