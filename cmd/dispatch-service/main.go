package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"

	"github.com/FreshRoute/FreshRoute/internal/common/config"
	"github.com/FreshRoute/FreshRoute/internal/common/db"
	"github.com/FreshRoute/FreshRoute/internal/common/logger"
	"github.com/FreshRoute/FreshRoute/internal/common/server"
	"github.com/FreshRoute/FreshRoute/internal/common/tracing"
	"github.com/FreshRoute/FreshRoute/internal/delivery"
	"github.com/FreshRoute/FreshRoute/internal/dispatch"
	"github.com/FreshRoute/FreshRoute/internal/driver"
	"github.com/FreshRoute/FreshRoute/internal/gateway"
	"github.com/FreshRoute/FreshRoute/internal/route"
	"github.com/FreshRoute/FreshRoute/internal/tracking"
)

var (
	configPath  = flag.String("config", "configs/dispatch-service.json", "配置文件路径")
	consulKVKey = flag.String("consul-kv", "", "从 Consul KV 加载配置的 key（优先于本地文件）")
)

func main() {
	flag.Parse()

	// 加载配置（Consul KV 优先，失败回落到本地文件/默认值）
	cfg, err := loadConfig()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.Log.Path)
	if err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}

	// 初始化链路追踪
	tracer, closer, err := tracing.InitTracer(
		cfg.Server.Name,
		cfg.Jaeger.Endpoint,
		cfg.Jaeger.Sampler,
	)
	if err != nil {
		log.Warnf("failed to init tracer: %v", err)
	} else {
		defer closer.Close()
	}
	_ = tracer

	// 初始化快照持久化（可选：Database.Host 为空时纯内存运行）
	var driverStore driver.Persister
	var deliveryStore delivery.Persister
	var driverRepo *driver.Repo
	var deliveryRepo *delivery.Repo
	if cfg.Database.Host != "" {
		gormDB, err := db.NewMySQL(
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Database,
			cfg.Database.MaxIdle,
			cfg.Database.MaxOpen,
		)
		if err != nil {
			log.Fatalf("failed to init mysql: %v", err)
		}
		if err := gormDB.AutoMigrate(&driver.Driver{}, &delivery.Delivery{}); err != nil {
			log.Fatalf("failed to migrate mysql schema: %v", err)
		}
		driverRepo = driver.NewRepo(gormDB)
		deliveryRepo = delivery.NewRepo(gormDB)
		driverStore = driver.NewSnapshotStore(driverRepo)
		deliveryStore = delivery.NewSnapshotStore(deliveryRepo)
	} else {
		log.Warn("database host empty, running with in-memory registries only")
	}

	// 组装核心：注册表 -> 调度器/规划器/追踪日志 -> 实时网关
	drivers := driver.NewRegistry(driverStore, log)
	deliveries := delivery.NewRegistry(drivers, deliveryStore, log)
	if driverRepo != nil {
		restoreSnapshots(log, driverRepo, deliveryRepo, drivers, deliveries)
	}
	dispatcher := dispatch.NewDispatcher(drivers, deliveries, log)
	optimizer := route.NewOptimizer(drivers, deliveries, log)
	trackingLog := tracking.NewLog(drivers, deliveries, log)
	gw := gateway.New(cfg.Gateway, drivers, deliveries, trackingLog, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Hub().Run(ctx)

	mux := http.NewServeMux()
	gw.Routes(mux)
	gateway.NewOpsHandler(dispatcher, optimizer).Mount(mux)

	// 统一的服务启动模板：gRPC 健康检查 + WebSocket 网关 + Consul 注册 + 优雅退出
	if err := server.Run(cfg, log, mux); err != nil {
		log.Fatalf("dispatch-service exited with error: %v", err)
	}
}

// restoreSnapshots 启动时把库里的快照回灌进注册表（created_at 升序，
// 保持注册表的插入顺序语义）。读库失败只告警，继续以空注册表启动。
func restoreSnapshots(log logger.Logger, driverRepo *driver.Repo, deliveryRepo *delivery.Repo,
	drivers *driver.Registry, deliveries *delivery.Registry) {

	ctx := context.Background()

	storedDrivers, err := driverRepo.LoadAll(ctx)
	if err != nil {
		log.Warnf("failed to load driver snapshots: %v", err)
	} else {
		restored := 0
		for i := range storedDrivers {
			if drivers.Restore(&storedDrivers[i]) {
				restored++
			}
		}
		log.Infof("restored %d driver snapshots", restored)
	}

	storedDeliveries, err := deliveryRepo.LoadAll(ctx)
	if err != nil {
		log.Warnf("failed to load delivery snapshots: %v", err)
	} else {
		restored := 0
		for i := range storedDeliveries {
			if deliveries.Restore(&storedDeliveries[i]) {
				restored++
			}
		}
		log.Infof("restored %d delivery snapshots", restored)
	}
}

func loadConfig() (*config.Config, error) {
	if *consulKVKey != "" {
		base := config.GetConfig()
		cfg, err := config.LoadConfigFromConsulKV(base.Consul.Host, base.Consul.Port, *consulKVKey)
		if err == nil {
			return cfg, nil
		}
	}
	return config.LoadConfig(*configPath)
}
