// fakeagent stands in for the Wingman agent in manual end-to-end runs.
// Build it under the release file name and publish it with wingmanserver:
//
//	go build -ldflags "-X main.version=1.4.0" -o release/bitowingman-1.4.0-linux-x64.exe .
//
// It answers --version, listens on the host and port from --config and
// exits on SIGINT or SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

var version = "0.0.0"

type agentConfig struct {
	Server struct {
		API struct {
			Host string `json:"host"`
			Port int    `json:"port"`
		} `json:"api"`
	} `json:"server"`
	ResponseLanguage string `json:"responseLanguage"`
}

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		cfgPath     = flag.String("config", "", "agent config.json")
		envPath     = flag.String("env", "", "agent env file")
	)
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	b, err := os.ReadFile(*cfgPath)
	if err != nil {
		log.Fatalf("read config: %v", err)
	}
	var cfg agentConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}
	host := cfg.Server.API.Host
	if host == "" || host == "localhost" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Server.API.Port))

	mux := http.NewServeMux()
	started := time.Now()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":           "ok",
			"version":          version,
			"uptime":           time.Since(started).String(),
			"responseLanguage": cfg.ResponseLanguage,
		})
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		log.Printf("fakeagent %s listening on %s (env %s)", version, addr, *envPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	<-ctx.Done()
	shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	log.Printf("fakeagent stopped")
}
