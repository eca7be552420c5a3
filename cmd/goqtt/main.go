package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fenwick/mqttbroker/internal/config"
	"github.com/fenwick/mqttbroker/internal/transport"
)

func gracefulShutdown(tcpServer *transport.TCPServer, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("Graceful shutdown has triggered...")

	defer cancel()
	if err := tcpServer.Stop(); err != nil {
		log.Println(err)
	}
	time.Sleep(1 * time.Second)

	close(done)
}

func main() {
	done := make(chan struct{}, 1)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Panicf("failed to load config: %v", err)
	}

	db, err := sql.Open("sqlite3", cfg.Broker.SQLitePath)
	if err != nil {
		log.Panicf("Failed to open sqlite db: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv, err := transport.New(cfg, db)
	if err != nil {
		log.Panicf("failed to init server: %v", err)
	}

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()
	log.Printf("Server started listening at %s\n", cfg.Server.Port)

	go gracefulShutdown(srv, cancel, done)

	<-done
	log.Println("Graceful shutdown complete.")
}
