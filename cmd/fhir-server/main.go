package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhir-couchbase/server/internal/config"
	"github.com/fhir-couchbase/server/internal/platform/admin"
	"github.com/fhir-couchbase/server/internal/platform/auth"
	"github.com/fhir-couchbase/server/internal/platform/fhir"
	"github.com/fhir-couchbase/server/internal/platform/gateway"
	"github.com/fhir-couchbase/server/internal/platform/group"
	"github.com/fhir-couchbase/server/internal/platform/history"
	"github.com/fhir-couchbase/server/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "FHIR R4 server backed by Couchbase",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(bucketCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// bucketCmd manages FHIR-enabled buckets on a running server. Bucket state
// lives in the server's in-memory registry (internal/platform/gateway),
// not in a schema a migration tool could apply, so this talks to the
// admin API of a running instance rather than touching Couchbase directly.
func bucketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Manage FHIR-enabled buckets on a running server",
	}

	var adminURL string
	cmd.PersistentFlags().StringVar(&adminURL, "admin-url", "http://localhost:8000", "base URL of a running fhir-server")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register and provision a new FHIR-enabled bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			connString, _ := cmd.Flags().GetString("conn-string")
			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			mode, _ := cmd.Flags().GetString("validation-mode")
			profile, _ := cmd.Flags().GetString("validation-profile")
			token, _ := cmd.Flags().GetString("token")

			if name == "" || connString == "" {
				return fmt.Errorf("--name and --conn-string are required")
			}

			body, err := json.Marshal(admin.CreateBucketRequest{
				Name:              name,
				ConnString:        connString,
				Username:          username,
				Password:          password,
				ValidationMode:    mode,
				ValidationProfile: profile,
			})
			if err != nil {
				return err
			}

			req, err := http.NewRequest(http.MethodPost, strings.TrimRight(adminURL, "/")+"/admin/buckets", strings.NewReader(string(body)))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 300 {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			fmt.Printf("bucket %q provisioned\n", name)
			return nil
		},
	}
	createCmd.Flags().String("name", "", "bucket name")
	createCmd.Flags().String("conn-string", "", "Couchbase connection string")
	createCmd.Flags().String("username", "", "Couchbase username")
	createCmd.Flags().String("password", "", "Couchbase password")
	createCmd.Flags().String("validation-mode", "lenient", "disabled|lenient|strict")
	createCmd.Flags().String("validation-profile", "base-r4", "base-r4|us-core")
	createCmd.Flags().String("token", "", "admin bearer token")
	cmd.AddCommand(createCmd)

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	gw := gateway.New(logger, time.Duration(cfg.CircuitResetTimeoutMS)*time.Millisecond)
	gw.Register("default", gateway.Config{
		ConnString: cfg.CouchbaseConnString,
		Username:   cfg.CouchbaseUsername,
		Password:   cfg.CouchbasePassword,
	})
	logger.Info().Msg("gateway configured")

	ctx := context.Background()
	validator, err := fhir.NewValidator(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load FHIR validator")
	}

	historyStore := history.NewStore(gw)
	historyHandler := history.NewHandler(historyStore)

	writePath := fhir.NewWritePath(gw, validator, historyStore)

	searchParams := fhir.NewDefaultSearchParameterStore()
	searchEngine := fhir.NewSearchEngine(gw, searchParams, cfg.SearchMaxCountPerPage, cfg.SearchMaxBundleSize)

	restHandler := fhir.NewRESTHandler(writePath, searchEngine, historyStore, gw)

	groupEngine := group.NewEngine(writePath, searchEngine, cfg.GroupMaxMembers)
	groupHandler := group.NewHandler(groupEngine, gw)

	bucketRegistry := gateway.NewBucketRegistry()
	adminHandler := admin.NewHandler(gw, bucketRegistry)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match", "If-None-Exist", "If-None-Match"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("5MB", "50MB"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	switch cfg.ResolvedAuthMode() {
	case "development":
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}

	e.Use(middleware.Audit(logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	fhirGroup := e.Group("/fhir/:bucket")
	fhirGroup.Use(gateway.BucketMiddleware(bucketRegistry))

	capabilityBuilder := fhir.NewCapabilityBuilder(fmt.Sprintf("http://localhost:%s/fhir", cfg.Port), searchParams)
	fhir.NewCapabilityHandler(capabilityBuilder).RegisterRoutes(fhirGroup)

	fhirGroup.POST("", bundleHandler(gw, writePath))

	historyHandler.RegisterRoutes(fhirGroup)
	groupHandler.RegisterRoutes(fhirGroup)
	restHandler.RegisterRoutes(fhirGroup)

	adminGroup := e.Group("/admin")
	adminHandler.RegisterRoutes(adminGroup)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/liveness", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/readiness", func(c echo.Context) error {
		if gw.IsOpen() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "circuit open"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// bundleHandler builds a TransactionProcessor scoped to the request's
// bucket and delegates to fhir.TransactionHandler. A bucket's WriteContext
// (its connection name, validation mode/profile) is only known once
// gateway.BucketMiddleware has run, so the processor can't be built once
// at startup the way the REST/Group handlers' shared engines are.
func bundleHandler(gw *gateway.Gateway, wp *fhir.WritePath) echo.HandlerFunc {
	return func(c echo.Context) error {
		cfg, _ := gateway.BucketConfigFromContext(c.Request().Context())
		wc := fhir.WriteContext{
			ConnName: cfg.ConnName,
			Bucket:   gateway.BucketFromContext(c.Request().Context()),
			Mode:     cfg.ValidationMode,
			Profile:  cfg.ValidationProfile,
		}

		processor := fhir.NewTransactionProcessor(
			gw,
			wc.ConnName,
			fhir.BuildResourceHandler(wp, wc),
			fhir.BuildTxResourceHandler(wp, wc),
		)
		return fhir.TransactionHandler(processor)(c)
	}
}
