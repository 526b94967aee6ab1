// Kestrel - A durable, journaled FIFO message queue speaking the memcache
// text protocol
//
// Usage:
//
//	kestrel [flags]
//
// Flags:
//
//	-addr string      Server address (default ":22133")
//	-data string      Data directory for queue journals (default "data")
//	-config string    Path to JSON config file (default: none)
//	-maxclients int   Maximum number of clients (default: 10000)
//	-timeout int      Client idle timeout in seconds (default: 0 = no timeout)
//	-api-token string Bearer token for admin API authentication
//	-loglevel string  Log level: debug, info, warn, error (default: info)
//	-webaddr string   Admin API address (default ":2223")
//	-noweb            Disable the admin API
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/strategist922/kestrel/internal/config"
	"github.com/strategist922/kestrel/internal/queue"
	"github.com/strategist922/kestrel/internal/server"
	"github.com/strategist922/kestrel/internal/version"
	"github.com/strategist922/kestrel/internal/web"
)

// envOrDefault returns the environment variable value if set, otherwise the fallback.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envIntOrDefault returns the environment variable as int if set, otherwise the fallback.
func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	// Flags take precedence over environment variables, which take
	// precedence over the config file.
	// Env vars: KESTREL_ADDR, KESTREL_DATA, KESTREL_CONFIG, KESTREL_API_TOKEN,
	//           KESTREL_MAXCLIENTS, KESTREL_TIMEOUT, KESTREL_WEB_ADDR,
	//           KESTREL_LOG_LEVEL, KESTREL_NO_WEB
	addr := flag.String("addr", envOrDefault("KESTREL_ADDR", ""), "Server address")
	dataDir := flag.String("data", envOrDefault("KESTREL_DATA", ""), "Data directory for queue journals")
	configPath := flag.String("config", envOrDefault("KESTREL_CONFIG", ""), "Path to JSON config file")
	maxClients := flag.Int("maxclients", envIntOrDefault("KESTREL_MAXCLIENTS", 0), "Maximum number of clients")
	timeout := flag.Int("timeout", envIntOrDefault("KESTREL_TIMEOUT", -1), "Client idle timeout in seconds (0 = no timeout)")
	apiToken := flag.String("api-token", envOrDefault("KESTREL_API_TOKEN", ""), "Bearer token for admin API authentication")
	logLevel := flag.String("loglevel", envOrDefault("KESTREL_LOG_LEVEL", ""), "Log level: debug, info, warn, error")
	webAddr := flag.String("webaddr", envOrDefault("KESTREL_WEB_ADDR", ""), "Admin API address")
	noWeb := flag.Bool("noweb", os.Getenv("KESTREL_NO_WEB") == "true", "Disable the admin API")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Kestrel v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *maxClients > 0 {
		cfg.MaxClients = *maxClients
	}
	if *timeout >= 0 {
		cfg.ClientTimeout = config.Duration(time.Duration(*timeout) * time.Second)
	}
	if *apiToken != "" {
		cfg.APIToken = *apiToken
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *webAddr != "" {
		cfg.WebAddr = *webAddr
	}

	// ASCII art banner
	fmt.Println(`
  _             _            _
 | | _____  ___| |_ _ __ ___| |
 | |/ / _ \/ __| __| '__/ _ \ |
 |   <  __/\__ \ |_| | |  __/ |
 |_|\_\___||___/\__|_|  \___|_|
                               `)
	log.Printf("Kestrel v%s starting...", version.Version)
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("Max clients: %d", cfg.MaxClients)

	queues, err := queue.NewCollection(cfg.DataDir, cfg)
	if err != nil {
		log.Fatalf("Failed to create queue collection: %v", err)
	}
	if err := queues.LoadQueues(); err != nil {
		log.Fatalf("Failed to load queues: %v", err)
	}
	defer queues.Close()

	srv := server.New(cfg, queues, *configPath)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals and the SHUTDOWN protocol command
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("Received signal %v, shutting down...", sig)
		case <-srv.ShutdownRequested():
			log.Printf("Shutdown requested by client, shutting down...")
		}
		cancel()
	}()

	// Re-apply per-queue limits whenever the config file changes.
	if *configPath != "" {
		stop, err := config.Watch(*configPath, queues.SetConfig)
		if err != nil {
			log.Printf("Config watch disabled: %v", err)
		} else {
			defer stop()
		}
	}

	// Start admin API server (disable with -noweb)
	if !*noWeb {
		log.Printf("Admin API available at http://localhost%s/api/v1/stats", cfg.WebAddr)
		webSrv := web.NewWithToken(cfg.WebAddr, queues, cfg.APIToken)
		go func() {
			if err := webSrv.Start(ctx); err != nil {
				log.Printf("Admin server error: %v", err)
			}
		}()
	}

	// Start server
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Kestrel shutdown complete")
}
