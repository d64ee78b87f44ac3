// Kiro Gateway - Go Implementation
// An OpenAI-compatible proxy in front of the Kiro / CodeWhisperer
// generateAssistantResponse API.
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

	"kiro-gateway/api"
	"kiro-gateway/auth"
	"kiro-gateway/config"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// Parse command line arguments
	host := flag.String("host", "", "Server host address")
	port := flag.Int("port", 0, "Server port")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Kiro Gateway v%s\n", config.AppVersion)
		os.Exit(0)
	}

	// Stage 1: a missing .env is not fatal on its own (env vars may come
	// from the process environment instead) but is surfaced early since
	// it is the most common cause of "no credentials configured" below.
	if !config.ValidateEnvFile() {
		log.Warn(".env file not found; relying on process environment variables")
	}

	cfg := config.Load()

	if *host != "" {
		cfg.ServerHost = *host
	}
	if *port != 0 {
		cfg.ServerPort = *port
	}

	setupLogging(cfg)

	// Stage 2: at least one credential source must be usable.
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	printBanner(cfg.ServerHost, cfg.ServerPort)

	authManager := auth.NewManager(cfg)
	server := api.NewServer(cfg, authManager)

	loadModels(server)

	if cfg.LogLevel == "DEBUG" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server.SetupRoutes(router)

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.StreamingReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.StreamingReadTimeout) * time.Second,
	}

	go func() {
		log.Infof("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}

	log.Info("Server stopped")
}

// setupLogging configures the log level and, when LOG_FILE is set, mirrors
// output to a size-rotated file via lumberjack alongside stderr.
func setupLogging(cfg *config.Config) {
	switch cfg.LogLevel {
	case "DEBUG":
		log.SetLevel(log.DebugLevel)
	case "WARNING":
		log.SetLevel(log.WarnLevel)
	case "ERROR":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if cfg.LogFile == "" {
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}

	log.AddHook(&fileHook{writer: rotator, formatter: &log.TextFormatter{FullTimestamp: true}})
}

// fileHook mirrors every log entry to a rotating file without replacing
// logrus's default stderr output.
type fileHook struct {
	writer    *lumberjack.Logger
	formatter log.Formatter
}

func (h *fileHook) Levels() []log.Level {
	return log.AllLevels
}

func (h *fileHook) Fire(entry *log.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}

func printBanner(host string, port int) {
	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	fmt.Println()
	fmt.Printf("  Kiro Gateway v%s\n", config.AppVersion)
	fmt.Println()
	fmt.Println("  Server running at:")
	fmt.Printf("  -> http://%s:%d\n", displayHost, port)
	fmt.Println()
	fmt.Printf("  Health check: http://%s:%d/health\n", displayHost, port)
	fmt.Println()
}

func loadModels(server *api.Server) {
	models, err := server.FetchModelsFromKiro()
	if err != nil {
		log.Warnf("Failed to fetch models from Kiro API: %v", err)
		log.Warn("Using fallback model list")
		return
	}

	server.ModelCache.Update(models)
	log.Infof("Loaded %d models from Kiro API", len(models))
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Requested-With, Accept")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
