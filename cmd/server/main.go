package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ledgerpulse/ledgerlink/internal/tokenkit"
	"github.com/ledgerpulse/ledgerlink/internal/tokenkitpg"
	"github.com/ledgerpulse/ledgerlink/internal/web"
	"github.com/ledgerpulse/ledgerlink/pkg/sessionvalidator"
	webassets "github.com/ledgerpulse/ledgerlink/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "ledgerlink",
		Short:   "QuickBooks Online connection service with managed OAuth token lifecycle",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("oauth_client_id", "", "QuickBooks OAuth client ID")
	rootCmd.Flags().String("token_endpoint_url", "", "Workflow proxy URL fronting the QuickBooks token endpoint")
	rootCmd.Flags().String("revoke_endpoint_url", "", "Workflow proxy URL fronting the QuickBooks revoke endpoint")
	rootCmd.Flags().String("authorize_endpoint_url", "https://appcenter.intuit.com/connect/oauth2", "QuickBooks authorize endpoint")
	rootCmd.Flags().String("redirect_url", "", "OAuth redirect URL registered with Intuit")
	rootCmd.Flags().String("data_webhook_url", "", "Workflow webhook URL that pulls accounting reports")
	rootCmd.Flags().Int("max_refresh_attempts", tokenkit.DefaultMaxRefreshAttempts, "Refresh attempts per cycle before requiring re-authentication")
	rootCmd.Flags().Duration("backoff_base_delay", tokenkit.DefaultBackoffBaseDelay, "Base delay for exponential refresh backoff")
	rootCmd.Flags().Duration("near_expiry_threshold", tokenkit.DefaultNearExpiryThreshold, "Remaining lifetime below which tokens are refreshed proactively")
	rootCmd.Flags().Duration("request_timeout", tokenkit.DefaultRequestTimeout, "Timeout for provider HTTP calls")
	rootCmd.Flags().Duration("refresh_poll_interval", tokenkit.DefaultRefreshPollInterval, "How often the per-user refresh loop re-checks token freshness")
	rootCmd.Flags().String("database_url", "", "Token store URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("use_rpc_store", false, "Use the SQL-function token store instead of the ORM store (postgres only)")
	rootCmd.Flags().String("session_signing_key", "", "HS256 key the identity provider signs session JWTs with")
	rootCmd.Flags().String("session_issuer", "ledgerpulse-identity", "Expected issuer of session JWTs")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin frontends")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, flagName := range []string{
		"listen_addr", "oauth_client_id", "token_endpoint_url", "revoke_endpoint_url",
		"authorize_endpoint_url", "redirect_url", "data_webhook_url", "max_refresh_attempts",
		"backoff_base_delay", "near_expiry_threshold", "request_timeout", "refresh_poll_interval",
		"database_url", "use_rpc_store", "session_signing_key", "session_issuer",
		"enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingSessionSigningKey = "config.missing_session_signing_key"
	configCodeMissingRedirectURL       = "config.missing_redirect_url"
	configCodeMissingDataWebhookURL    = "config.missing_data_webhook_url"
	configCodeRPCStoreNeedsPostgres    = "config.rpc_store_requires_postgres"
	configCodeUninitializedServerConf  = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

type serverConfig struct {
	Tokens              tokenkit.Config
	DataWebhookURL      string
	SessionSigningKey   []byte
	SessionIssuer       string
	RefreshPollInterval time.Duration
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	loaded, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, loaded))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads flags and APP_-prefixed environment variables into a
// validated server configuration.
func LoadServerConfig() (serverConfig, error) {
	tokenConfiguration := tokenkit.Config{
		TokenEndpointURL:     viper.GetString("token_endpoint_url"),
		RevokeEndpointURL:    viper.GetString("revoke_endpoint_url"),
		AuthorizeEndpointURL: viper.GetString("authorize_endpoint_url"),
		RedirectURL:          viper.GetString("redirect_url"),
		ClientID:             viper.GetString("oauth_client_id"),
		MaxRefreshAttempts:   viper.GetInt("max_refresh_attempts"),
		BackoffBaseDelay:     viper.GetDuration("backoff_base_delay"),
		NearExpiryThreshold:  viper.GetDuration("near_expiry_threshold"),
		RequestTimeout:       viper.GetDuration("request_timeout"),
	}.Normalize()
	if validateErr := tokenConfiguration.Validate(); validateErr != nil {
		return serverConfig{}, validateErr
	}
	if strings.TrimSpace(tokenConfiguration.RedirectURL) == "" {
		return serverConfig{}, configError(configCodeMissingRedirectURL, "redirect_url must be provided")
	}

	dataWebhookURL := viper.GetString("data_webhook_url")
	if strings.TrimSpace(dataWebhookURL) == "" {
		return serverConfig{}, configError(configCodeMissingDataWebhookURL, "data_webhook_url must be provided")
	}

	sessionSigningKey := viper.GetString("session_signing_key")
	if sessionSigningKey == "" {
		return serverConfig{}, configError(configCodeMissingSessionSigningKey, "session_signing_key must be provided")
	}

	if viper.GetBool("use_rpc_store") && !strings.HasPrefix(viper.GetString("database_url"), "postgres") {
		return serverConfig{}, configError(configCodeRPCStoreNeedsPostgres, "use_rpc_store requires a postgres database_url")
	}

	refreshPollInterval := viper.GetDuration("refresh_poll_interval")
	if refreshPollInterval <= 0 {
		refreshPollInterval = tokenkit.DefaultRefreshPollInterval
	}

	return serverConfig{
		Tokens:              tokenConfiguration,
		DataWebhookURL:      dataWebhookURL,
		SessionSigningKey:   []byte(sessionSigningKey),
		SessionIssuer:       viper.GetString("session_issuer"),
		RefreshPollInterval: refreshPollInterval,
	}, nil
}

func buildTokenStore(ctx context.Context, logger *zap.Logger) (tokenkit.TokenStore, error) {
	databaseURL := viper.GetString("database_url")
	if databaseURL == "" {
		logger.Info("using in-memory token store")
		return tokenkit.NewMemoryTokenStore(), nil
	}
	if viper.GetBool("use_rpc_store") {
		pool, poolErr := tokenkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		if schemaErr := tokenkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		logger.Info("using sql-function token store")
		return tokenkitpg.NewRPCTokenStore(pool), nil
	}
	persistentStore, storeErr := tokenkit.NewDatabaseTokenStore(ctx, databaseURL)
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Info("using persistent token store", zap.String("driver", persistentStore.Driver()))
	return persistentStore, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	configuration, ok := contextValue.(serverConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/static/connect-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "connect-client.js")
	})
	router.GET("/static/config.js", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{
			OAuthClientID: configuration.Tokens.ClientID,
		})
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()

	store, storeErr := buildTokenStore(baseCtx, logger)
	if storeErr != nil {
		return storeErr
	}

	clock := tokenkit.NewSystemClock()
	metricsRecorder := tokenkit.NewCounterMetrics()
	provider := tokenkit.NewHTTPProviderClient(configuration.Tokens, tokenkit.ProxyEnvelopeUnwrapper{}, logger)
	refreshState := tokenkit.NewRefreshState()
	coordinator := tokenkit.NewRefreshCoordinator(configuration.Tokens, store, provider, refreshState, clock, tokenkit.NewSystemSleeper(), logger, metricsRecorder)
	gate := tokenkit.NewValidationGate(configuration.Tokens, store, coordinator, clock, logger, metricsRecorder)
	revoker := tokenkit.NewRevocationManager(store, provider, refreshState, logger, metricsRecorder)
	scheduler := tokenkit.NewRefreshScheduler(gate, configuration.RefreshPollInterval, logger)
	schedulers := web.NewSchedulerRegistry(baseCtx, scheduler)
	defer schedulers.StopAll()

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SessionSigningKey,
		Issuer:     configuration.SessionIssuer,
		Clock:      clock,
	})
	if validatorErr != nil {
		return validatorErr
	}

	protected := router.Group("/api")
	protected.Use(validator.GinMiddleware(sessionvalidator.DefaultContextKey))

	web.MountConnectRoutes(protected, &web.ConnectService{
		Configuration: configuration.Tokens,
		Store:         store,
		Provider:      provider,
		Gate:          gate,
		Revoker:       revoker,
		States:        web.NewMemoryConnectStateStore(5 * time.Minute),
		Schedulers:    schedulers,
		Clock:         clock,
		Logger:        logger,
	})
	web.MountReportRoutes(protected, &web.ReportProxy{
		Gate:           gate,
		DataWebhookURL: configuration.DataWebhookURL,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		baseCancel()
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
