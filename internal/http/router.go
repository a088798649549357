package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/metermint/creditledger/internal/allocator"
	"github.com/metermint/creditledger/internal/cache"
	"github.com/metermint/creditledger/internal/config"
	"github.com/metermint/creditledger/internal/http/handlers"
	"github.com/metermint/creditledger/internal/ledger"
	"github.com/metermint/creditledger/internal/metering"
	"github.com/metermint/creditledger/internal/pricing"
)

// Deps bundles the components the HTTP surface exposes.
type Deps struct {
	DB        *gorm.DB
	Store     *ledger.Store
	Cache     *cache.CreditCache
	Gateway   *metering.Gateway
	Allocator *allocator.Allocator
	Snapshot  *pricing.RuleSnapshot
	Auth      config.AuthConfig
}

// NewRouter builds the gin engine with all ledger routes registered.
func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	registerFrontRoutes(r, deps)
	registerMeteringRoutes(r, deps)
	registerAdminRoutes(r, deps)
	return r
}

// registerFrontRoutes wires the account-facing endpoints.
func registerFrontRoutes(r *gin.Engine, deps Deps) {
	front := r.Group("/v0/front")
	front.Use(accountAuthMiddleware(deps.Auth))

	balanceHandler := handlers.NewBalanceHandler(deps.Store, deps.Cache)
	front.GET("/balance", func(c *gin.Context) {
		balanceHandler.Get(c, accountKeyFromContext(c))
	})

	transactionsHandler := handlers.NewTransactionsHandler(deps.Store)
	front.GET("/transactions", func(c *gin.Context) {
		transactionsHandler.List(c, accountKeyFromContext(c))
	})
	front.GET("/usage/aggregate", func(c *gin.Context) {
		transactionsHandler.Aggregate(c, accountKeyFromContext(c))
	})
	front.GET("/usage/daily", func(c *gin.Context) {
		transactionsHandler.Daily(c, accountKeyFromContext(c))
	})
}

// registerMeteringRoutes wires the internal service endpoints.
func registerMeteringRoutes(r *gin.Engine, deps Deps) {
	meteringGroup := r.Group("/v0/metering")
	meteringGroup.Use(serviceKeyMiddleware(deps.Auth))

	meteringHandler := handlers.NewMeteringHandler(deps.Gateway, deps.Store, deps.Allocator)
	meteringGroup.POST("/debit", meteringHandler.Debit)
	meteringGroup.POST("/accounts", meteringHandler.CreateAccount)
	meteringGroup.POST("/tier", meteringHandler.ChangeTier)
	meteringGroup.POST("/refund", meteringHandler.Refund)
}

// registerAdminRoutes wires the privileged endpoints.
func registerAdminRoutes(r *gin.Engine, deps Deps) {
	admin := r.Group("/v0/admin")

	adminHandler := handlers.NewAdminHandler(deps.DB, deps.Store, deps.Auth)
	admin.POST("/login", adminHandler.Login)

	authed := admin.Group("")
	authed.Use(adminAuthMiddleware(deps.Auth))
	authed.POST("/allocate", adminHandler.Allocate)
	authed.GET("/reconcile/:account_key", adminHandler.Reconcile)

	rulesHandler := handlers.NewPricingRulesHandler(deps.DB, deps.Snapshot)
	authed.GET("/pricing-rules", rulesHandler.List)
	authed.POST("/pricing-rules", rulesHandler.Create)
}
