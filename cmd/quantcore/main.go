// Command quantcore 读取配置与脚本交易组合, 运行 XVA 引擎并以 JSON 输出报告.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wyfcoding/quantcore/cache"
	"github.com/wyfcoding/quantcore/config"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/logging"
	"github.com/wyfcoding/quantcore/metrics"
	"github.com/wyfcoding/quantcore/tracing"
	"github.com/wyfcoding/quantcore/worker"
	"github.com/wyfcoding/quantcore/xerrors"
	"github.com/wyfcoding/quantcore/xva"
)

func main() {
	configPath := pflag.StringP("config", "c", "quantcore.toml", "path of the TOML config file")
	tradesPath := pflag.StringP("trades", "t", "trades.json", "JSON file with the scripted trades")
	pflag.Parse()

	if err := run(*configPath, *tradesPath); err != nil {
		code := 1
		if e, ok := xerrors.FromError(err); ok {
			logging.Error(context.Background(), "quantcore failed", "error", err, "grpc_code", e.GRPCCode().String())
			code = 2
		} else {
			logging.Error(context.Background(), "quantcore failed", "error", err)
		}
		os.Exit(code)
	}
}

func loadTrades(path string) ([]instrument.Trade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "read trades "+path)
	}
	var scripted []*instrument.ScriptedTrade
	if err := json.Unmarshal(data, &scripted); err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInvalidArg, "decode trades "+path)
	}
	trades := make([]instrument.Trade, 0, len(scripted))
	for _, s := range scripted {
		if err := instrument.Validate(s); err != nil {
			return nil, err
		}
		trades = append(trades, s)
	}
	return trades, nil
}

func run(configPath, tradesPath string) error {
	conf, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.InitLogger(logging.Config{
		Service:    conf.Tracing.ServiceName,
		Module:     "xva",
		Level:      conf.Log.Level,
		File:       conf.Log.File,
		Stdout:     conf.Log.Stdout,
		MaxSize:    conf.Log.MaxSize,
		MaxBackups: conf.Log.MaxBackups,
		MaxAge:     conf.Log.MaxAge,
		Compress:   conf.Log.Compress,
	})
	config.PrintWithMask(conf)
	config.RegisterReloadHook(func(c *config.Config) {
		logging.Info(context.Background(), "config reloaded, changes apply to the next run", "config", c.String())
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracer(conf.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logging.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}()

	m := metrics.NewMetrics(conf.Tracing.ServiceName)
	m.RegisterBuildInfo(conf.Tracing.ServiceName, conf.Version)
	if conf.Metrics.Enabled {
		closeMetrics := m.ExposeHttp(conf.Metrics.Port, conf.Metrics.Path)
		defer closeMetrics()
	}

	trades, err := loadTrades(tradesPath)
	if err != nil {
		return err
	}

	pool := worker.NewPool(
		worker.WithName("xva"),
		worker.WithSize(conf.Worker.Size),
		worker.WithQueueSize(conf.Worker.QueueSize),
		worker.WithMetrics(m),
		worker.WithContext(ctx),
	)
	defer pool.Stop()

	opts := []xva.Option{xva.WithPool(pool), xva.WithMetrics(m)}
	reports, err := cache.NewFromConfig(conf.Cache)
	if err != nil {
		return err
	}
	if reports != nil {
		defer reports.Close()
		opts = append(opts, xva.WithReportCache(reports))
	}

	engine, err := xva.NewEngine(xva.LgmModelFactory(conf), trades, conf, opts...)
	if err != nil {
		return err
	}
	report, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return xerrors.WrapInternal(err, "encode report")
	}
	fmt.Println(string(out))
	return nil
}
