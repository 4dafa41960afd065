package app

import (
	"context"

	"github.com/gin-gonic/gin"

	"member-identity/internal/config"
	"member-identity/internal/handler"
	"member-identity/internal/linker"
	"member-identity/internal/memberid"
	"member-identity/internal/merger"
	"member-identity/internal/provider"
	"member-identity/internal/provider/google"
	"member-identity/internal/provider/keycloak"
	"member-identity/internal/resolver"
	"member-identity/internal/session"
	"member-identity/internal/store"
)

func setupHTTP(ctx context.Context, cfg config.Config) (*gin.Engine, func(context.Context) error, error) {

	infra, err := setupInfra(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	// ----------------------------
	// Dependencies
	// ----------------------------

	accounts := store.NewMongoAccounts(infra.Database)
	references := store.NewMongoReferences(infra.Database)

	sessionStore := session.NewRedisStore(infra.Redis.Client)
	holdStore := linker.NewRedisHolds(infra.Redis.Client)

	idGenerator := memberid.New(accounts)
	identityResolver := resolver.New(accounts)
	accountLinker := linker.New(accounts, identityResolver, idGenerator, holdStore, cfg.LinkHoldTTL)

	mergeJobs := merger.NewMongoJobs(infra.Database)
	accountMerger := merger.New(accounts, references, mergeJobs)
	mergeWorker := merger.NewWorker(accountMerger, mergeJobs, cfg.MergeWorkerInterval, cfg.MergeMaxAttempts)
	go mergeWorker.Run(ctx)

	var providers []provider.OAuthProvider

	if cfg.GoogleClientID != "" {
		googleProvider, err := google.New(
			ctx,
			cfg.GoogleClientID,
			cfg.GoogleClientSecret,
			cfg.GoogleRedirectURL,
		)
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, googleProvider)
	}

	if cfg.KeycloakIssuer != "" {
		keycloakProvider, err := keycloak.New(
			ctx,
			cfg.KeycloakIssuer,
			cfg.KeycloakClientID,
			cfg.KeycloakRedirectURL,
			cfg.KeycloakPublicBaseURL,
		)
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, keycloakProvider)
	}

	registry := provider.NewRegistry(providers...)

	h := handler.New(
		registry,
		accountLinker,
		identityResolver,
		idGenerator,
		mergeWorker,
		sessionStore,
		cfg.SessionTTL,
	)

	// ----------------------------
	// Router
	// ----------------------------

	router := gin.New()
	router.Use(gin.Recovery())

	h.RegisterRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// ----------------------------
	// Cleanup
	// ----------------------------

	return router, func(shutdownCtx context.Context) error {
		return infra.Mongo.Disconnect(shutdownCtx)
	}, nil
}
