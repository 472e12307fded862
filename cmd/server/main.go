package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gramkeep/gramkeep/internal/cache/sqlitecache"
	"github.com/gramkeep/gramkeep/internal/contact"
	"github.com/gramkeep/gramkeep/internal/geocode"
	"github.com/gramkeep/gramkeep/internal/logging"
	"github.com/gramkeep/gramkeep/internal/remote/redisdoc"
	"github.com/gramkeep/gramkeep/internal/server"
	"github.com/gramkeep/gramkeep/internal/store"
)

const (
	commandUse              = "server"
	commandShortDescription = "Serve the contact CRM API over HTTP"
	envPrefix               = "GRAMKEEP_SERVER"

	flagHostName              = "host"
	flagHostDescription       = "Host interface for the HTTP server"
	flagPortName              = "port"
	flagPortDescription       = "Port for the HTTP server"
	flagRedisURLName          = "redis-url"
	flagRedisURLDescription   = "Redis URL for the remote document store"
	flagCachePathName         = "cache-path"
	flagCachePathDescription  = "Path to the local SQLite cache database"
	flagUserIDName            = "user-id"
	flagUserIDDescription     = "Identifier of the authenticated user"
	flagUserEmailName         = "user-email"
	flagUserEmailDescription  = "Email of the authenticated user"
	flagGeocodeURLName        = "geocode-url"
	flagGeocodeURLDescription = "Base URL of the geocoding service"
	flagLogFileName           = "log-file"
	flagLogFileDescription    = "Log file path; empty logs to stderr"
	flagDebugName             = "debug"
	flagDebugDescription      = "Enable debug logging"
	defaultHost               = "127.0.0.1"
	defaultPort               = 8080
	defaultRedisURL           = "redis://127.0.0.1:6379/0"
	defaultCachePath          = "gramkeep_cache.db"
	defaultUserID             = "local"
	errMessageLoggerCreate    = "create logger"
	errMessageCacheCreate     = "create local cache"
	errMessageRemoteCreate    = "create remote document store"
	errMessageStoreCreate     = "create contact store"
	errMessageGeocoderCreate  = "create geocoder"
	errMessageStoreStart      = "start contact store"
	errMessageListenAndServe  = "listen and serve"
	logMessageStartingServer  = "starting HTTP server"
	logMessageServerStopped   = "server stopped"
	logMessageListenError     = "server listen failure"
	logFieldAddress           = "address"
	logFieldUserID            = "user_id"
	logMessageStartingSession = "starting contact session"
)

func main() {
	cobra.CheckErr(newServerCommand().Execute())
}

func newServerCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runServerCommand,
	}

	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	command.Flags().String(flagRedisURLName, defaultRedisURL, flagRedisURLDescription)
	command.Flags().String(flagCachePathName, defaultCachePath, flagCachePathDescription)
	command.Flags().String(flagUserIDName, defaultUserID, flagUserIDDescription)
	command.Flags().String(flagUserEmailName, "", flagUserEmailDescription)
	command.Flags().String(flagGeocodeURLName, "", flagGeocodeURLDescription)
	command.Flags().String(flagLogFileName, "", flagLogFileDescription)
	command.Flags().Bool(flagDebugName, false, flagDebugDescription)

	for _, flagName := range []string{
		flagHostName, flagPortName, flagRedisURLName, flagCachePathName,
		flagUserIDName, flagUserEmailName, flagGeocodeURLName, flagLogFileName, flagDebugName,
	} {
		bindFlagToViper(command, flagName)
	}

	cobra.OnInitialize(configureEnvironment)

	return command
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runServerCommand(command *cobra.Command, arguments []string) error {
	logger, loggerErr := logging.NewLogger(logging.Config{
		FilePath: viper.GetString(flagLogFileName),
		Debug:    viper.GetBool(flagDebugName),
	})
	if loggerErr != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, loggerErr)
	}
	defer logger.Sync()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	localCache, cacheErr := sqlitecache.New(sqlitecache.Config{
		Path:   viper.GetString(flagCachePathName),
		Logger: logger,
	})
	if cacheErr != nil {
		return fmt.Errorf("%s: %w", errMessageCacheCreate, cacheErr)
	}
	defer localCache.Close()

	documentStore, remoteErr := redisdoc.New(ctx, redisdoc.Config{
		RedisURL: viper.GetString(flagRedisURLName),
		Logger:   logger,
	})
	if remoteErr != nil {
		return fmt.Errorf("%s: %w", errMessageRemoteCreate, remoteErr)
	}
	defer documentStore.Close()

	contactStore, storeErr := store.NewStore(store.Config{
		Cache:  localCache,
		Remote: documentStore,
		Logger: logger,
	})
	if storeErr != nil {
		return fmt.Errorf("%s: %w", errMessageStoreCreate, storeErr)
	}

	user := contact.User{
		UID:   viper.GetString(flagUserIDName),
		Email: viper.GetString(flagUserEmailName),
	}
	logger.Info(logMessageStartingSession, zap.String(logFieldUserID, user.UID))
	if startErr := contactStore.Start(ctx, user); startErr != nil {
		return fmt.Errorf("%s: %w", errMessageStoreStart, startErr)
	}
	defer contactStore.Stop(context.Background())

	geocoder, geocoderErr := geocode.NewClient(geocode.Config{BaseURL: viper.GetString(flagGeocodeURLName)})
	if geocoderErr != nil {
		return fmt.Errorf("%s: %w", errMessageGeocoderCreate, geocoderErr)
	}

	router, routerErr := server.NewRouter(server.RouterConfig{
		Store:    contactStore,
		Geocoder: geocoder,
		Logger:   logger,
	})
	if routerErr != nil {
		return routerErr
	}

	host := viper.GetString(flagHostName)
	port := viper.GetInt(flagPortName)
	address := fmt.Sprintf("%s:%d", host, port)
	logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))

	httpServer := &http.Server{Addr: address, Handler: router}
	if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error(logMessageListenError, zap.Error(serveErr))
		return fmt.Errorf("%s: %w", errMessageListenAndServe, serveErr)
	}

	logger.Info(logMessageServerStopped)
	return nil
}
