package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/mesh-it/internal/logger"
	"github.com/rudransh-shrivastava/mesh-it/internal/rendezvous"
)

func main() {
	addr := flag.String("addr", ":9595", "listen address")
	dbPath := flag.String("db", "rendezvous.sqlite3", "sqlite database path")
	flag.Parse()

	log := logger.NewLogger()

	server, err := rendezvous.NewServer(rendezvous.ServerConfig{
		Addr:   *addr,
		DBPath: *dbPath,
		Logger: log,
	})
	if err != nil {
		log.Fatal(err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
		_ = server.Shutdown()
	}()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}
