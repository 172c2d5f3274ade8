package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/coopvida/poscore/internal/domain/credit"
	"github.com/coopvida/poscore/internal/domain/order"
	"github.com/coopvida/poscore/internal/domain/payment"
	"github.com/coopvida/poscore/internal/domain/stock"
	"github.com/coopvida/poscore/internal/domain/webhook"
	"github.com/coopvida/poscore/internal/gateway"
	"github.com/coopvida/poscore/internal/handler"
	"github.com/coopvida/poscore/internal/repository"
	"github.com/coopvida/poscore/internal/worker"
	"github.com/coopvida/poscore/pkg/ginmiddleware"
	"github.com/coopvida/poscore/pkg/health"
)

// Run creates all dependencies, starts the HTTP server and background
// sweeps, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	txm := repository.NewTxManager(pool)
	productRepo := repository.NewProductRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	intentRepo := repository.NewIntentRepository(pool)
	receiptRepo := repository.NewReceiptRepository(pool)
	stockStore := repository.NewStockStore(pool, txm)
	creditStore := repository.NewCreditStore(pool, txm)

	// Payment gateways.
	gateways := gateway.NewRegistry(
		gateway.NewMercadoPago(cfg.Gateways.MercadoPago.BaseURL, cfg.Gateways.MercadoPago.WebhookSecret, cfg.Gateways.MercadoPago.AccessToken),
		gateway.NewPagBank(cfg.Gateways.PagBank.BaseURL, cfg.Gateways.PagBank.WebhookToken, cfg.Gateways.PagBank.AccessToken),
	)

	// Domain services.
	stockLedger := stock.NewLedger(stockStore)
	creditLedger := credit.NewLedger(creditStore, txm, cfg.Orders.MaxOverdue, lg)
	orderSvc := order.NewService(orderRepo, productRepo, stockLedger, creditLedger, txm, lg)
	paymentSvc := payment.NewService(intentRepo, orderSvc, gateways, txm, cfg.Payment.Timeout, lg)
	reconciler := webhook.NewReconciler(receiptRepo, paymentSvc, gateways, cfg.Webhook.MaxAttempts, cfg.Webhook.BaseBackoff, lg)

	// Background sweeps.
	sweeper := worker.NewRunner(lg,
		worker.PaymentTimeouts(paymentSvc, cfg.Payment.SweepEvery, cfg.Payment.SweepLimit),
		worker.WebhookRetries(reconciler, cfg.Webhook.SweepEvery, cfg.Webhook.SweepLimit),
		worker.OrderExpiry(orderSvc, cfg.Orders.PendingTimeout, cfg.Orders.SweepEvery, cfg.Orders.SweepLimit),
	)
	sweepsDone := make(chan struct{})
	go func() {
		defer close(sweepsDone)
		if err := sweeper.Start(ctx); err != nil {
			lg.Error("Sweep runner stopped", zap.Error(err))
		}
	}()

	// HTTP engine.
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		ginmiddleware.Recovery(),
		ginmiddleware.CORS(ginmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		ginmiddleware.RateLimitWithCleanup(ctx, ginmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
		ginmiddleware.RequestID(),
		injectLogger(zctx.From(ctx)),
		otelgin.Middleware("poscore-api",
			otelgin.WithTracerProvider(m.TracerProvider()),
		),
	)

	engine.GET("/livez", gin.WrapF(healthSvc.LiveEndpoint))
	engine.GET("/readyz", gin.WrapF(healthSvc.ReadyEndpoint))

	h := handler.NewHandler(orderSvc, paymentSvc, reconciler, stockLedger, creditLedger, cfg.Payment.SweepLimit)
	h.Register(engine.Group("/api"))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           engine,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	<-sweepsDone
	return nil
}

// injectLogger makes the application logger reachable from request contexts.
func injectLogger(lg *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rctx := zctx.Base(c.Request.Context(), lg)
		if id := ginmiddleware.RequestIDFrom(c); id != "" {
			rctx = zctx.With(rctx, zap.String("request_id", id))
		}
		c.Request = c.Request.WithContext(rctx)
		c.Next()
	}
}
