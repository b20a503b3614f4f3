// Command mysqlgw is the gateway process: it loads its statement registry
// and backend configuration, starts a fixed pool of worker connections,
// and serves the wire protocol until terminated.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/echaozh/mysqlgw/internal/config"
	"github.com/echaozh/mysqlgw/internal/dispatch"
	"github.com/echaozh/mysqlgw/internal/driver"
	"github.com/echaozh/mysqlgw/internal/metrics"
	"github.com/echaozh/mysqlgw/internal/opsapi"
	"github.com/echaozh/mysqlgw/internal/stmt"
	"github.com/echaozh/mysqlgw/internal/txnseq"
	"github.com/echaozh/mysqlgw/internal/worker"
	_ "github.com/go-sql-driver/mysql"
)

// workingDir mirrors main.cpp's working_dir: the optional first argument
// names the directory the gateway's etc/ tree lives under; with no
// argument it falls back to the parent of the directory holding the binary.
func workingDir() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "..")
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("mysqlgw starting...")

	dir := workingDir()
	configPath := filepath.Join(dir, "etc", "mysqlcp.conf")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", configPath, err)
	}
	log.Printf("configuration loaded from %s", configPath)

	dsn, err := cfg.BackendDSN()
	if err != nil {
		log.Fatalf("invalid backend_db: %v", err)
	}

	listenAddr, err := cfg.ListenAddr()
	if err != nil {
		log.Fatalf("invalid listen_address: %v", err)
	}
	log.Printf("connecting to backend db, listening at %s", listenAddr)

	findDB := func(name string) string { return cfg.DBNameVars[name] }

	probeDB, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("failed to open backend connection for statement probing: %v", err)
	}
	registry, err := stmt.Load(filepath.Join(dir, "etc"), cfg.SQLFile, findDB, probeDB)
	if err != nil {
		log.Fatalf("failed to load statements: %v", err)
	}
	log.Printf("loaded statements from %s", cfg.SQLFile)

	m := metrics.New()

	workQ := make(chan worker.Job, cfg.ConnPoolCapacity*4)
	d, err := dispatch.New(listenAddr, workQ, m)
	if err != nil {
		log.Fatalf("failed to bind listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	seq := txnseq.New()
	for i := 0; i < cfg.ConnPoolCapacity; i++ {
		conn := driver.New(dsn, cfg.MySQLConnTimeout, registry)
		w := worker.New(i, conn, seq, workQ, cfg.TxnIdleTimeout, d.Hooks(), d.DeliverReply, m)
		go w.Run(ctx)
	}
	m.SetWorkerPool(cfg.ConnPoolCapacity, 0)

	go func() {
		if err := d.Serve(ctx); err != nil {
			log.Fatalf("dispatcher stopped: %v", err)
		}
	}()

	ops := opsapi.New(cfg.OpsAddress, m, cfg.ConnPoolCapacity, func(ctx context.Context) error {
		return probeDB.PingContext(ctx)
	})
	go func() {
		if err := ops.Serve(); err != nil {
			log.Printf("ops server stopped: %v", err)
		}
	}()

	log.Printf("mysqlgw ready - listening on %s, pool capacity %d, ops on %s",
		listenAddr, cfg.ConnPoolCapacity, cfg.OpsAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Printf("ops server shutdown error: %v", err)
	}
	probeDB.Close()

	log.Printf("mysqlgw stopped")
}
