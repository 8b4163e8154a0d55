package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dailygrid/backend/internal/config"
	"github.com/dailygrid/backend/internal/database"
	"github.com/dailygrid/backend/internal/facts"
	"github.com/dailygrid/backend/internal/games"
	"github.com/dailygrid/backend/internal/leaderboard"
	"github.com/dailygrid/backend/internal/logging"
	"github.com/dailygrid/backend/internal/progress"
	"github.com/dailygrid/backend/internal/remote"
	"github.com/dailygrid/backend/internal/server"
	"github.com/dailygrid/backend/internal/streaks"
	"github.com/dailygrid/backend/internal/syncer"
	"github.com/dailygrid/backend/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dailygrid-api",
		Short: "DailyGrid puzzle streak and sync backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
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
	cmd.PersistentFlags().String("timezone", defaults.GetString("day.timezone"), "Reference timezone for calendar-day keys")
	cmd.PersistentFlags().String("user-id", defaults.GetString("user.id"), "Local player identifier")
	cmd.PersistentFlags().String("display-name", defaults.GetString("user.display_name"), "Local player display name")
	cmd.PersistentFlags().String("group-id", defaults.GetString("group.id"), "Default leaderboard group")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("sync.remote_url"), "Sync relay base URL (empty disables sync)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "day.timezone", "timezone")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "user.display_name", "display-name")
	bindFlag(cmd, "group.id", "group-id")
	bindFlag(cmd, "sync.remote_url", "remote-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// initConfig loads the explicitly requested config file. Asking for a file
// that cannot be read is a startup failure, not a silent fall-through to
// defaults; without --config there is nothing to read.
func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}

// rebuilderHolder breaks the construction cycle between the sync coordinator
// and the streak service: the coordinator is built first, the service is
// plugged in afterwards.
type rebuilderHolder struct {
	service *streaks.Service
}

func (h *rebuilderHolder) RebuildActivities(ctx context.Context, activityIDs []string) error {
	if h.service == nil {
		return nil
	}
	return h.service.RebuildActivities(ctx, activityIDs)
}

// staleNotifier pairs leaderboard cache invalidation with the refresh event
// that tells connected clients to refetch.
type staleNotifier struct {
	aggregator *leaderboard.Aggregator
	dispatcher *server.RefreshDispatcher
	userID     string
}

func (n staleNotifier) Invalidate() {
	n.aggregator.Invalidate()
	n.dispatcher.PublishLeaderboardStale(n.userID)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	location, err := time.LoadLocation(appConfig.Timezone)
	if err != nil {
		return err
	}
	userID, err := facts.NewUserID(appConfig.UserID)
	if err != nil {
		return err
	}

	catalog := games.DefaultCatalog()

	store, err := facts.NewStore(facts.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: facts.NewUUIDProvider(),
		Catalog:    catalog,
		Location:   location,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	userDirectory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	if appConfig.DisplayName != "" {
		if err := userDirectory.Upsert(ctx, appConfig.UserID, appConfig.DisplayName, ""); err != nil {
			logger.Warn("profile upsert failed", zap.Error(err))
		}
	}

	dispatcher := server.NewRefreshDispatcher(time.Now)

	var syncRemote syncer.RemoteStore = remote.Disabled{}
	var progressRemote progress.RemoteStore
	var boardRemote leaderboard.RemoteScoreStore
	if appConfig.RemoteURL != "" {
		relay, err := remote.NewClient(remote.ClientConfig{
			BaseURL: appConfig.RemoteURL,
			UserID:  appConfig.UserID,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		syncRemote = relay
		progressRemote = relay
		boardRemote = relay
	}

	aggregator, err := leaderboard.NewAggregator(leaderboard.AggregatorConfig{
		Local:     store,
		Remote:    boardRemote,
		Names:     userDirectory,
		Catalog:   catalog,
		LocalUser: userID,
		CacheTTL:  appConfig.CacheTTL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	progressService, err := progress.NewService(progress.ServiceConfig{
		Database: db,
		Remote:   progressRemote,
		Location: location,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	rebuilder := &rebuilderHolder{}
	coordinator, err := syncer.NewCoordinator(syncer.CoordinatorConfig{
		Database:    db,
		Store:       store,
		Remote:      syncRemote,
		KV:          database.NewKV(db),
		Rebuilder:   rebuilder,
		Progress:    progressService,
		Invalidator: staleNotifier{aggregator: aggregator, dispatcher: dispatcher, userID: appConfig.UserID},
		Logger:      logger,
		HighWater:   appConfig.SyncHighWater,
		Debounce:    appConfig.SyncDebounce,
		BackoffBase: appConfig.BackoffBase,
		BackoffCap:  appConfig.BackoffCap,
	})
	if err != nil {
		return err
	}
	if appConfig.LocalSession {
		if err := coordinator.SetLocalSession(ctx, true); err != nil {
			return err
		}
	}

	streakService, err := streaks.NewService(streaks.ServiceConfig{
		Store:     store,
		UserID:    userID,
		Enqueuer:  coordinator,
		Publisher: dispatcher,
		Progress:  progressService,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	rebuilder.service = streakService

	handler, err := server.NewHTTPHandler(server.Dependencies{
		FactStore:   store,
		Streaks:     streakService,
		Coordinator: coordinator,
		Leaderboard: aggregator,
		Progress:    progressService,
		Dispatcher:  dispatcher,
		UserID:      userID,
		GroupID:     appConfig.GroupID,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go coordinator.Run(signalCtx, appConfig.PullInterval)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
