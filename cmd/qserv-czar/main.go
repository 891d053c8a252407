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

	"github.com/jhoblitt/qserv/pkg/ccontrol"
	"github.com/jhoblitt/qserv/pkg/config"
	"github.com/jhoblitt/qserv/pkg/czar"
	"github.com/jhoblitt/qserv/pkg/logutil"
	"github.com/jhoblitt/qserv/pkg/qdisp"
	"github.com/jhoblitt/qserv/pkg/qmeta"
	"github.com/jhoblitt/qserv/pkg/qproc"
	"github.com/jhoblitt/qserv/pkg/rproc"
)

var configFile = flag.String("cfg", "./czar.toml", "toml configuration used to start qserv-czar")

func main() {
	flag.Parse()

	cfg, err := config.LoadCzar(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config from %s: %v", *configFile, err))
	}
	logger, err := logutil.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	resultDB, err := openDB(cfg.ResultDB)
	if err != nil {
		logger.Fatal("open result db failed", zap.Error(err))
	}
	qmetaDB, err := openDB(cfg.QMetaDB)
	if err != nil {
		logger.Fatal("open qmeta db failed", zap.Error(err))
	}

	ctx := context.Background()
	meta, err := qmeta.New(ctx, qmetaDB, cfg.DefaultCzarID)
	if err != nil {
		logger.Fatal("qmeta setup failed", zap.Error(err))
	}
	if err := meta.RegisterCzar(ctx); err != nil {
		logger.Fatal("czar registration failed", zap.Error(err))
	}

	timeout := time.Duration(cfg.DispatchTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dispatcher := qdisp.NewNetDispatcher(
		qdisp.NewStaticDirectory(cfg.Workers), timeout, logger.Named("qdisp"))

	columns := cfg.ResultColumns
	if len(columns) == 0 {
		columns = []string{"value"}
	}
	resultDb := cfg.ResultDbName
	if resultDb == "" {
		resultDb = "qresult"
	}

	factory := ccontrol.NewUserQueryFactory(ccontrol.Config{
		MergeDB:     resultDB,
		Dispatcher:  dispatcher,
		EmptyChunks: qproc.NewEmptyChunks(),
		Logger:      logger.Named("ccontrol"),
		MergerFor: func(sessionID int64) (ccontrol.MergerDiscarder, error) {
			mcfg := rproc.InfileMergerConfig{
				TargetDb:   resultDb,
				MergeTable: rproc.MergeTableName(resultDb, time.Now()),
				Columns:    columns,
			}
			return rproc.NewInfileMerger(ctx, resultDB, mcfg, logger.Named("rproc"))
		},
		MetaFor: func(int64) ccontrol.QueryMetadata { return meta },
	})

	service := czar.New(factory, logger.Named("czar"))
	frontend := czar.NewFrontend(service, logger.Named("frontend"))
	if err := frontend.Start(cfg.ListenAddr); err != nil {
		logger.Fatal("frontend start failed", zap.Error(err))
	}

	logger.Info("qserv-czar ready",
		zap.Int32("czarId", cfg.DefaultCzarID),
		zap.String("listen", cfg.ListenAddr),
		zap.Strings("workers", cfg.Workers))

	waitSignalToStop()
	logger.Info("qserv-czar stopping")
	frontend.Stop()
	_ = resultDB.Close()
	_ = qmetaDB.Close()
}

func openDB(cfg config.DBConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	return db, nil
}

func waitSignalToStop() {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)
	<-sigchan
}
