// Package main provides the broker server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opencode-ai/antigravity-broker/internal/account"
	"github.com/opencode-ai/antigravity-broker/internal/auth"
	"github.com/opencode-ai/antigravity-broker/internal/config"
	"github.com/opencode-ai/antigravity-broker/internal/dispatcher"
	"github.com/opencode-ai/antigravity-broker/internal/server"
	"github.com/opencode-ai/antigravity-broker/internal/server/handlers"
	"github.com/opencode-ai/antigravity-broker/internal/signature"
	"github.com/opencode-ai/antigravity-broker/internal/statsdb"
	"github.com/opencode-ai/antigravity-broker/internal/utils"
	"github.com/opencode-ai/antigravity-broker/internal/webui"
)

const version = "1.0.0"

func main() {
	var (
		debugMode bool
		port      int
		host      string
	)

	flag.BoolVar(&debugMode, "debug", false, "Enable debug mode")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" {
		debugMode = true
	}
	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}
	if port == 0 {
		port = config.DefaultPort
	}
	if host == "" {
		host = os.Getenv("HOST")
	}
	if host == "" {
		host = "0.0.0.0"
	}

	cfg, err := config.Load()
	if err != nil {
		utils.Warn("[Startup] failed to load config: %v", err)
	}
	if debugMode {
		cfg.Debug = true
	}
	utils.SetDebug(cfg.Debug)
	if cfg.Debug && cfg.LogDir != "" {
		utils.GetLogger().EnableFileSink(cfg.LogDir)
		utils.Debug("[Startup] debug mode enabled, file sink at %s", cfg.LogDir)
	}

	credStore := account.NewCredentialStore()
	accounts := account.NewManager(credStore, func(message string) {
		utils.Info("[Toast] %s", message)
	})
	projects := auth.NewProjectResolver()

	cache := signature.New(signature.Options{
		Path:               config.SignatureCacheFilePath(),
		MemoryTTL:          time.Duration(cfg.SignatureCache.MemoryTTLSeconds) * time.Second,
		DiskTTL:            time.Duration(cfg.SignatureCache.DiskTTLSeconds) * time.Second,
		WriteInterval:      time.Duration(cfg.SignatureCache.WriteIntervalSeconds) * time.Second,
		MinSignatureLength: config.MinSignatureLength,
	})
	cache.Start()
	defer cache.Stop()

	statsDB, err := statsdb.Open(config.StatsDBPath())
	if err != nil {
		utils.Warn("[Startup] failed to open stats database, refresh observability disabled: %v", err)
	}

	var refreshQueue *account.RefreshQueue
	if cfg.ProactiveTokenRefresh {
		var recorder account.StatsRecorder
		if statsDB != nil {
			recorder = statsDB
		}
		refreshQueue = account.NewRefreshQueue(accounts, recorder, int(cfg.BufferSeconds), int(cfg.CheckIntervalSeconds))
		ctx, cancel := context.WithCancel(context.Background())
		refreshQueue.Start(ctx)
		defer cancel()
		defer refreshQueue.Stop()
	}

	disp := dispatcher.New(accounts, projects, cache, cfg.Debug)
	pluginSessionUUID := uuid.NewString()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(server.RequestIDMiddleware())
	engine.Use(server.AccessLogMiddleware())
	engine.Use(server.CORSMiddleware())
	engine.Use(server.SilentHandlerMiddleware())

	engine.Any("/v1beta/models/*action", func(c *gin.Context) {
		disp.Handle(c.Writer, c.Request, pluginSessionUUID)
	})

	healthHandler := handlers.NewHealthHandler(accounts)
	modelsHandler := handlers.NewModelsHandler()
	engine.GET("/health", healthHandler.Health)
	engine.GET("/v1/models", modelsHandler.ListModels)

	webui.Mount(engine, accounts, cache, cfg)

	printBanner(port, host, cfg, accounts)

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		utils.Info("[Server] starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("Server started successfully on port %d", port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	if statsDB != nil {
		statsDB.Close()
	}

	utils.Success("Server stopped")
}

func printBanner(port int, host string, cfg config.Runtime, am *account.Manager) {
	fmt.Print("\033[H\033[2J")

	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	accounts := am.Accounts()

	statusLines := []string{
		fmt.Sprintf("    - Accounts: %d loaded", len(accounts)),
	}
	if cfg.Debug {
		statusLines = append(statusLines, "    - Debug mode enabled")
	}
	if cfg.ProactiveTokenRefresh {
		statusLines = append(statusLines, fmt.Sprintf("    - Proactive refresh: every %ds, %ds buffer", cfg.CheckIntervalSeconds, cfg.BufferSeconds))
	}

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║                  Antigravity Broker v` + version + `                  ║
╠══════════════════════════════════════════════════════════════╣
║                                                              ║`)
	fmt.Printf("║  Server running at: http://%s:%-15d ║\n", displayHost, port)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Status:                                                      ║")
	for _, line := range statusLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    *    /v1beta/models/{model}:{action} - upstream proxy     ║")
	fmt.Println("║    GET  /v1/models           - List available models         ║")
	fmt.Println("║    GET  /health               - Pool health snapshot         ║")
	fmt.Println("║    GET  /api/config           - Effective configuration      ║")
	fmt.Println("║    GET  /api/presets           - Built-in host presets       ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Configuration:                                              ║")
	fmt.Printf("║    Accounts: %-49s ║\n", config.AccountsFilePath())
	fmt.Printf("║    Runtime:  %-49s ║\n", config.RuntimeConfigPath())
	fmt.Println("║                                                              ║")
	fmt.Println("║  Add accounts:                                               ║")
	fmt.Println("║    antigravity-accounts add                                  ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Ctrl+C to stop                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
