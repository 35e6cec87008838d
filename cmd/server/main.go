package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/api"
	"astrales.app/chatsync/internal/auth"
	"astrales.app/chatsync/internal/config"
	"astrales.app/chatsync/internal/core"
	"astrales.app/chatsync/internal/logging"
	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// Flag variables. Set flags override the environment.
var (
	port, logLevel, logFile, mirrorPath, remoteURL string
	clearMirror                                    bool
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var cmd = &cobra.Command{
	Use:   "server",
	Short: "Runs the chat sync server: accounts, sessions and live chat events over HTTP.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(); err != nil {
			return err
		}
		cfg := config.AppConfig
		flags := cmd.Flags()
		if flags.Changed("port") {
			cfg.HTTPPort = port
		}
		if flags.Changed("logLevel") {
			cfg.LogLevel = logLevel
		}
		if flags.Changed("log") {
			cfg.LogFile = logFile
		}
		if flags.Changed("mirror") {
			cfg.DatabaseURL = mirrorPath
		}
		if flags.Changed("remote") {
			cfg.RemoteURL = remoteURL
		}

		if err := logging.Init(cfg.LogLevel, cfg.LogFile); err != nil {
			return err
		}

		mirror, err := store.NewSQLiteMirror(cfg.DatabaseURL)
		if err != nil {
			jww.FATAL.Panicf("Failed to open local mirror: %+v", err)
		}
		defer mirror.Close()

		if clearMirror {
			if err = mirror.ClearPrefix(""); err != nil {
				jww.FATAL.Panicf("Failed to clear local mirror: %+v", err)
			}
			jww.INFO.Printf("Cleared local mirror %s. Exiting.", cfg.DatabaseURL)
			return nil
		}

		var rs remote.DocumentStore
		if cfg.RemoteURL != "" {
			rs, err = remote.NewRedisStore(cfg.RemoteURL)
			if err != nil {
				jww.FATAL.Panicf("Failed to connect to remote store: %+v", err)
			}
		} else {
			jww.WARN.Printf("REMOTE_URL is not set, using an in-process store")
			rs = remote.NewMemoryStore()
		}
		defer rs.Close()

		tokens, err := auth.NewTokens(cfg.JWTSecret, auth.DefaultTokenTTL)
		if err != nil {
			return err
		}
		hub := api.NewEventHub()
		sessions := api.NewSessionManager(rs, mirror, core.Options{
			PresenceDebounce: cfg.PresenceDebounce,
			CallRingTimeout:  cfg.CallRingTimeout,
		}, hub)
		apiHandler := api.NewAPIHandler(auth.NewAccounts(rs), tokens, sessions, hub)
		router := api.NewRouter(apiHandler)

		serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
		srv := &http.Server{
			Addr:        serverAddr,
			Handler:     router,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: it would cut the /api/events streams.
			IdleTimeout: 120 * time.Second,
		}

		go func() {
			jww.INFO.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				jww.FATAL.Panicf("Could not listen on %s: %v", serverAddr, err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		jww.INFO.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Log everyone out first so their presence is committed offline.
		sessions.CloseAll(ctx)
		if err = srv.Shutdown(ctx); err != nil {
			jww.ERROR.Printf("Server forced to shutdown: %v", err)
		}

		jww.INFO.Println("Server exiting gracefully")
		return nil
	},
}

// init is the initialization function for Cobra which defines flags.
func init() {
	cmd.Flags().StringVarP(&port, "port", "p", "8080",
		"HTTP port. Overrides HTTP_PORT.")
	cmd.Flags().StringVarP(&logFile, "log", "l", "-",
		"Log output path. By default, logs are printed to stdout. "+
			"To disable logging, set this to empty (\"\"). Overrides LOG_FILE.")
	cmd.Flags().StringVarP(&logLevel, "logLevel", "v", "INFO",
		"Log level: TRACE, DEBUG, INFO, WARN, ERROR, CRITICAL or FATAL. "+
			"Overrides LOG_LEVEL.")
	cmd.Flags().StringVar(&mirrorPath, "mirror", "chatsync_mirror.db",
		"SQLite file of the local mirror. Overrides DATABASE_URL.")
	cmd.Flags().StringVar(&remoteURL, "remote", "",
		"Redis URL of the shared document store. Overrides REMOTE_URL.")
	cmd.Flags().BoolVar(&clearMirror, "clear-mirror", false,
		"Delete every entry of the local mirror and exit.")
}
