package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/background"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/config"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/database"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/objects"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/server"
	"github.com/MarcoPoloResearchLab/marketchat/backend/internal/users"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "marketchat-api",
		Short: "Marketplace chat backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("uploads-dir", defaults.GetString("uploads.dir"), "Directory for uploaded images")
	cmd.PersistentFlags().String("notifications-redis-url", "", "Redis URL for the notification queue")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to open websockets")
	cmd.PersistentFlags().Bool("allow-anonymous", defaults.GetBool("realtime.allow_anonymous"), "Accept websocket connections without a session")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "uploads.dir", "uploads-dir")
	bindFlag(cmd, "notifications.redis_url", "notifications-redis-url")
	bindFlag(cmd, "realtime.allowed_origins", "allowed-origins")
	bindFlag(cmd, "realtime.allow_anonymous", "allow-anonymous")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.Issue(auth.Identity{UserID: userID, DisplayName: displayName})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id to embed in the token")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	runner := background.NewRunner(background.RunnerConfig{Logger: logger})

	catalog, err := conversations.NewGormStore(db)
	if err != nil {
		return err
	}
	messages, err := chat.NewGormMessageStore(db)
	if err != nil {
		return err
	}
	blocks, err := chat.NewGormBlockStore(db)
	if err != nil {
		return err
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	uploads, err := objects.NewLocalStore(objects.LocalStoreConfig{
		Dir:          appConfig.UploadsDir,
		PublicPrefix: appConfig.UploadsPrefix,
		MaxBytes:     appConfig.UploadsMaxBytes,
	})
	if err != nil {
		return err
	}

	notifications, closeNotifications, err := buildNotifications(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeNotifications()

	resolver := conversations.NewResolver(conversations.ResolverConfig{Store: catalog, Logger: logger})
	tracker := presence.NewTracker(presence.TrackerConfig{
		LastSeen:  profiles,
		Scheduler: runner,
		Logger:    logger,
	})
	hub, err := realtime.NewHub(realtime.HubConfig{
		Resolver:  resolver,
		Messages:  messages,
		Blocks:    blocks,
		Images:    uploads,
		Directory: profiles,
		Notifier: notify.NewHook(notify.HookConfig{
			Service:   notifications,
			Pusher:    notifications,
			Scheduler: runner,
			Logger:    logger,
		}),
		Tracker:   tracker,
		Watches:   presence.NewWatchRegistry(appConfig.WatchLimit),
		Scheduler: runner,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Hub:            hub,
		Resolver:       resolver,
		History:        messages,
		Blocks:         blocks,
		Uploads:        uploads,
		Profiles:       profiles,
		CookieName:     appConfig.CookieName,
		AllowedOrigins: appConfig.AllowedOrigins,
		AllowAnonymous: appConfig.AllowAnonymous,
		SendBuffer:     appConfig.SendBuffer,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Hijacked websockets outlive http.Server.Shutdown; their disconnects
		// still schedule durable writes, so drain them before the runner.
		if err := hub.Close(shutdownCtx); err != nil {
			logger.Warn("websocket connections did not drain", zap.Error(err))
		}
		if err := runner.Shutdown(shutdownCtx); err != nil {
			logger.Warn("background tasks did not finish", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

type notificationBackend interface {
	notify.Service
	notify.Pusher
}

// buildNotifications uses the redis queue when configured and logs otherwise.
func buildNotifications(appConfig config.AppConfig, logger *zap.Logger) (notificationBackend, func(), error) {
	if appConfig.NotificationsRedisURL == "" {
		logger.Info("notification queue not configured; notifications are logged only")
		return notify.NewLogService(logger), func() {}, nil
	}
	service, err := notify.NewAsynqService(notify.AsynqConfig{
		RedisURL: appConfig.NotificationsRedisURL,
		Queue:    appConfig.NotificationsQueue,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return service, func() {
		if err := service.Close(); err != nil {
			logger.Warn("notification queue close failed", zap.Error(err))
		}
	}, nil
}
