package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"news-site-backend/pkg/billing"
	"news-site-backend/pkg/config"
	"news-site-backend/pkg/database"
	"news-site-backend/pkg/handlers"
	customMiddleware "news-site-backend/pkg/middleware"
	"news-site-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps 路由需要的所有服务
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      database.Store
	JWT        *utils.JWTService
	Registry   *billing.Registry
	Ledger     *billing.Ledger
	Initiator  *billing.Initiator
	Reconciler handlers.EventHandler
	Pins       *billing.Pins
	Sweeps     handlers.SweepRunner
	// Metrics 为 nil 时不暴露 /metrics
	Metrics http.Handler
}

// JSON 接口的请求体上限，webhook 另有自己的限制
const maxJSONBodyBytes = 1 << 20

// NewRouter 创建Chi路由器，所有API端点集中在这里注册
func NewRouter(deps Deps) http.Handler {
	router := chi.NewRouter()
	setupMiddleware(router, deps)
	setupRoutes(router, deps)
	return router
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, deps Deps) {
	cfg := deps.Config

	// 基础中间件
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(customMiddleware.Logger(deps.Logger))
	router.Use(customMiddleware.Recovery(deps.Logger, cfg.Debug))

	// CORS中间件
	router.Use(customMiddleware.CORS(cfg.AllowedOrigins))

	// 超时中间件
	router.Use(middleware.Timeout(30 * time.Second))

	// 压缩中间件
	router.Use(middleware.Compress(5))

	// 开发环境额外中间件
	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, deps Deps) {
	cfg := deps.Config

	dbType := "postgresql"
	if cfg.UseMemoryDB {
		dbType = "memory"
	}
	healthHandler := handlers.NewHealthHandler(deps.Store, cfg.Environment, dbType)
	authHandler := handlers.NewAuthHandler(deps.JWT)
	planHandler := handlers.NewPlanHandler(deps.Registry)
	checkoutHandler := handlers.NewCheckoutHandler(deps.Initiator)
	subscriptionHandler := handlers.NewSubscriptionHandler(deps.Ledger)
	pinHandler := handlers.NewPinHandler(deps.Pins)
	adminHandler := handlers.NewAdminHandler(deps.Sweeps)
	webhookHandler := handlers.NewWebhookHandler(deps.Reconciler, cfg.WebhookMaxBodyBytes, cfg.WebhookTimeout, deps.Logger)

	// 健康检查端点
	router.Get("/", healthHandler.HealthCheck)
	router.Get("/healthz", healthHandler.HealthCheck)

	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	requireAuth := customMiddleware.RequireAuth(deps.JWT)
	limitBody := customMiddleware.MaxBodySize(maxJSONBodyBytes)

	// API路由组
	router.Route("/api", func(r chi.Router) {
		// 公开路由（不需要认证）
		r.With(limitBody, customMiddleware.ContentTypeJSON).Post("/auth/refresh", authHandler.RefreshToken)

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", planHandler.ListPlans)
			r.Get("/{id}", planHandler.GetPlan)
		})

		// Stripe 签名校验需要原始请求体，不经过 JSON 中间件
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/stripe", webhookHandler.HandleStripeWebhook)
		})

		r.Route("/pins", func(r chi.Router) {
			r.Get("/", pinHandler.ListPinned)

			r.Group(func(r chi.Router) {
				r.Use(limitBody, requireAuth, customMiddleware.ContentTypeJSON)
				r.Post("/", pinHandler.Pin)
				r.Delete("/", pinHandler.Unpin)
				r.Get("/can-pin/{postID}", pinHandler.CanPin)
			})
		})

		// 需要认证的路由
		r.Group(func(r chi.Router) {
			r.Use(limitBody, requireAuth, customMiddleware.ContentTypeJSON)

			r.Post("/checkout", checkoutHandler.CreateCheckout)

			r.Route("/subscription", func(r chi.Router) {
				r.Get("/", subscriptionHandler.GetStatus)
				r.Get("/history", subscriptionHandler.History)
				r.Post("/cancel", subscriptionHandler.Cancel)
				r.Put("/auto-renew", subscriptionHandler.SetAutoRenew)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(customMiddleware.RequireAdmin)

				r.Post("/plans", planHandler.CreatePlan)
				r.Put("/plans/{id}", planHandler.UpdatePlan)
				r.Post("/plans/{id}/versions", planHandler.CreatePlanVersion)
				r.Post("/sweeps/{job}", adminHandler.RunSweep)
			})
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "")
	})
}
