package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activitystream"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/config"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/remote"
	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/server"
	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "activity-panel",
		Short: "Activity stream panel bridge",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newInspectCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("cache-directory", defaults.GetString("cache.directory"), "Activity cache directory")
	cmd.PersistentFlags().Int("fetch-limit", defaults.GetInt("cache.fetch_limit"), "Cached activities hydrated on load")
	cmd.PersistentFlags().Int("initial-page-limit", defaults.GetInt("stream.initial_page_limit"), "First remote page size for uncached entities")
	cmd.PersistentFlags().String("site-url", "", "Remote site URL")
	cmd.PersistentFlags().String("script-name", "", "Remote API script name")
	cmd.PersistentFlags().String("api-key", "", "Remote API script key (overrides env)")
	cmd.PersistentFlags().Int("remote-timeout-seconds", defaults.GetInt("remote.timeout_seconds"), "Remote request timeout in seconds")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bridge token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bridge token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "cache.directory", "cache-directory")
	bindFlag(cmd, "cache.fetch_limit", "fetch-limit")
	bindFlag(cmd, "stream.initial_page_limit", "initial-page-limit")
	bindFlag(cmd, "remote.site_url", "site-url")
	bindFlag(cmd, "remote.script_name", "script-name")
	bindFlag(cmd, "remote.api_key", "api-key")
	bindFlag(cmd, "remote.timeout_seconds", "remote-timeout-seconds")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// A missing .env file is normal; values then come from the environment and flags.
	_ = godotenv.Load()

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

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <entity-type> <entity-id>",
		Short: "Print the cached activity stream of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || entityID <= 0 {
				return fmt.Errorf("invalid entity id %q", args[1])
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store, err := cache.NewStore(cache.Config{Directory: appConfig.CacheDirectory, Logger: logger})
			if err != nil {
				return err
			}
			result, err := store.Fetch(cmd.Context(), args[0], entityID, appConfig.FetchLimit)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(map[string]any{
				"cache_file": store.Path(),
				"activities": result.Activities,
				"notes":      result.Notes,
			})
		},
	}
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <host>",
		Short: "Print a bridge token for a host application",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", token, expiresAt.Format(time.RFC3339))
			return err
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateBridge(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.NewStore(cache.Config{Directory: appConfig.CacheDirectory, Logger: logger})
	if err != nil {
		return err
	}
	if err := store.Initialize(signalCtx); err != nil {
		// The panel keeps working from the remote alone when the cache is unusable.
		logger.Warn("activity cache unavailable", zap.String("path", store.Path()), zap.Error(err))
	}

	httpClient := &http.Client{Timeout: appConfig.RemoteTimeout}
	client, err := remote.NewClient(remote.ClientConfig{
		SiteURL:    appConfig.SiteURL,
		ScriptName: appConfig.ScriptName,
		APIKey:     appConfig.APIKey,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	loader, err := dispatch.NewHTTPThumbnailLoader(dispatch.HTTPThumbnailLoaderConfig{
		Directory:  appConfig.ThumbnailDirectory(),
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Connection: client,
		Thumbnails: loader,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	var manager *activitystream.Manager
	listener := server.NewRealtimeListener(realtime, func() (string, int64, bool) {
		return manager.Entity()
	}, time.Now)

	manager, err = activitystream.NewManager(activitystream.ManagerConfig{
		Cache:            store,
		Dispatcher:       dispatcher,
		Listener:         listener,
		Logger:           logger,
		FetchLimit:       appConfig.FetchLimit,
		InitialPageLimit: appConfig.InitialPageLimit,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(auth.TokenConfig{SigningSecret: []byte(appConfig.SigningSecret)})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Manager:        manager,
		TokenValidator: validator,
		Realtime:       realtime,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	dispatcher.Start(signalCtx)

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		manager.Run(groupCtx, dispatcher.Completions())
		return nil
	})
	group.Go(func() error {
		logger.Info("bridge starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("cache", store.Path()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
