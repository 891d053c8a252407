package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/jhoblitt/qserv/pkg/config"
	"github.com/jhoblitt/qserv/pkg/lifecycle"
	"github.com/jhoblitt/qserv/pkg/logutil"
	"github.com/jhoblitt/qserv/pkg/memman"
	"github.com/jhoblitt/qserv/pkg/wbase"
	"github.com/jhoblitt/qserv/pkg/wcontrol"
	"github.com/jhoblitt/qserv/pkg/wsched"
)

var configFile = flag.String("cfg", "./worker.toml", "toml configuration used to start qserv-worker")

func main() {
	flag.Parse()

	cfg, err := config.LoadWorker(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config from %s: %v", *configFile, err))
	}
	logger, err := logutil.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := sql.Open("mysql", cfg.LocalDB.DSN)
	if err != nil {
		logger.Fatal("open local db failed", zap.Error(err))
	}
	if cfg.LocalDB.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.LocalDB.MaxOpenConns)
	}
	if cfg.LocalDB.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.LocalDB.MaxIdleConns)
	}

	mm := memman.NewRefCountMemMan(cfg.MemManBudget)
	sched := wsched.NewChunkTasksQueue(mm, cfg.MaxActiveChunks, logger.Named("wsched"))
	runner := wcontrol.NewSQLRunner(db, cfg.Name, cfg.BatchRows, logger.Named("runner"))

	foreman, err := wcontrol.NewForeman(sched, runner, mm, cfg.ScanSlots, logger.Named("foreman"))
	if err != nil {
		logger.Fatal("foreman setup failed", zap.Error(err))
	}
	if err := foreman.Start(); err != nil {
		logger.Fatal("foreman start failed", zap.Error(err))
	}

	tables := make([]wbase.TableInfo, 0, len(cfg.ScanTables))
	for _, t := range cfg.ScanTables {
		tables = append(tables, wbase.TableInfo{Db: t.Db, Table: t.Table, ScanRating: t.ScanRating})
	}
	scan := &wcontrol.StaticScanSource{Tables: tables}
	validator := wcontrol.NewChunkSetValidator(cfg.Chunks)

	server := wcontrol.NewServer(cfg.ListenAddr, foreman, validator, scan, logger.Named("server"))
	if err := server.Start(); err != nil {
		logger.Fatal("server start failed", zap.Error(err))
	}
	stopper := lifecycle.NewStopper("qserv-worker", logger)
	stopper.RunNamedTask("sched-stats", func(ctx context.Context) {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("scheduler stats", zap.Int("taskCount", sched.TaskCount()))
			}
		}
	})

	logger.Info("qserv-worker ready",
		zap.String("name", cfg.Name),
		zap.String("listen", cfg.ListenAddr),
		zap.Int("scanSlots", cfg.ScanSlots),
		zap.Int32s("chunks", cfg.Chunks))

	waitSignalToStop()
	logger.Info("qserv-worker stopping")
	stopper.Stop()
	server.Stop()
	foreman.Stop()
	_ = db.Close()
}

func waitSignalToStop() {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)
	<-sigchan
}
