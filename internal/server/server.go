// Package server exposes the settlement engine over HTTP. Callers
// authenticate by account via the X-Account header; the identity service
// resolves it to an identity and secondary-key permissions.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apierrors "github.com/Aidin1998/custodia/common/errors"
	"github.com/Aidin1998/custodia/internal/asset"
	"github.com/Aidin1998/custodia/internal/identity"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/internal/settlement"
)

// Server wires the HTTP surface of the settlement engine.
type Server struct {
	logger      *zap.Logger
	engine      *gin.Engine
	identities  *identity.Service
	portfolios  *portfolio.Service
	assets      *asset.Service
	settlements *settlement.Service
}

// New builds the router.
func New(
	logger *zap.Logger,
	identities *identity.Service,
	portfolios *portfolio.Service,
	assets *asset.Service,
	settlements *settlement.Service,
) *Server {
	s := &Server{
		logger:      logger.Named("server"),
		identities:  identities,
		portfolios:  portfolios,
		assets:      assets,
		settlements: settlements,
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))

	engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	{
		v1.POST("/identities", s.registerIdentity)
		v1.POST("/identities/keys", s.linkSecondaryKey)

		v1.POST("/portfolios", s.createPortfolio)
		v1.PUT("/portfolios/custodian", s.setCustodian)
		v1.POST("/portfolios/credit", s.creditPortfolio)
		v1.POST("/portfolios/mint", s.mintNFT)

		v1.POST("/assets", s.registerAsset)
		v1.PUT("/assets/:ticker/filtering", s.setVenueFiltering)
		v1.POST("/assets/:ticker/venues/allow", s.allowVenues)
		v1.POST("/assets/:ticker/venues/disallow", s.disallowVenues)

		v1.POST("/venues", s.createVenue)
		v1.GET("/venues/:id", s.getVenue)
		v1.PUT("/venues/:id/details", s.updateVenueDetails)
		v1.PUT("/venues/:id/type", s.updateVenueType)
		v1.PUT("/venues/:id/signers", s.updateVenueSigners)

		v1.POST("/instructions", s.addInstruction)
		v1.POST("/instructions/legacy", s.addLegacyInstruction)
		v1.GET("/instructions/:id", s.getInstruction)
		v1.GET("/instructions/:id/legs", s.getInstructionLegs)
		v1.POST("/instructions/:id/affirm", s.affirmInstruction)
		v1.POST("/instructions/:id/withdraw", s.withdrawAffirmation)
		v1.POST("/instructions/:id/reject", s.rejectInstruction)
		v1.POST("/instructions/:id/execute", s.executeManual)
		v1.POST("/instructions/:id/reschedule", s.rescheduleInstruction)

		v1.POST("/receipts/validity", s.changeReceiptValidity)
	}
	s.engine = engine
	return s
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// problem maps a domain error onto an RFC 7807 response.
func (s *Server) problem(c *gin.Context, err error) {
	instance := c.Request.URL.Path
	var p *apierrors.ProblemDetails

	var kind settlement.Error
	switch {
	case errors.Is(err, identity.ErrUnknownAccount):
		p = apierrors.NewUnauthorizedError(err.Error(), instance)
	case errors.Is(err, settlement.ErrUnauthorized),
		errors.Is(err, settlement.ErrUnauthorizedSigner),
		errors.Is(err, settlement.ErrUnauthorizedVenue),
		errors.Is(err, settlement.ErrCallerIsNotAParty),
		errors.Is(err, portfolio.ErrUnauthorizedCustodian):
		p = apierrors.NewForbiddenError(err.Error(), instance)
	case errors.Is(err, settlement.ErrInvalidVenue),
		errors.Is(err, settlement.ErrUnknownInstruction),
		errors.Is(err, portfolio.ErrPortfolioNotFound),
		errors.Is(err, asset.ErrAssetNotFound):
		p = apierrors.NewNotFoundError(err.Error(), instance)
	case errors.Is(err, settlement.ErrReceiptAlreadyClaimed),
		errors.Is(err, settlement.ErrSignerAlreadyExists),
		errors.Is(err, settlement.ErrDuplicateReceipt),
		errors.Is(err, identity.ErrIdentityExists),
		errors.Is(err, identity.ErrKeyExists),
		errors.Is(err, asset.ErrAssetExists):
		p = apierrors.NewConflictError(err.Error(), instance)
	case errors.As(err, &kind),
		errors.Is(err, portfolio.ErrInsufficientBalance),
		errors.Is(err, portfolio.ErrNFTNotHeld),
		errors.Is(err, portfolio.ErrNFTLocked),
		errors.Is(err, asset.ErrComplianceFailure):
		p = apierrors.NewValidationError(err.Error(), instance)
	default:
		s.logger.Error("internal error", zap.Error(err), zap.String("path", instance))
		p = apierrors.NewInternalError("unexpected internal error", instance)
	}
	if errors.As(err, &kind) {
		p = p.WithCode(string(kind))
	}
	c.AbortWithStatusJSON(p.Status, p)
}

func (s *Server) account(c *gin.Context) (string, bool) {
	account := c.GetHeader("X-Account")
	if account == "" {
		p := apierrors.NewUnauthorizedError("missing X-Account header", c.Request.URL.Path)
		c.AbortWithStatusJSON(p.Status, p)
		return "", false
	}
	return account, true
}
