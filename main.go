// @title 课程访问与学习进度 API
// @version 1.0
// @description 课程选课准入、学习进度同步与结业证书服务。
// @termsOfService http://swagger.io/terms/

// @contact.name API支持
// @contact.url http://www.swagger.io/support
// @contact.email support@swagger.io

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api

package main

import (
	"context"
	"course_access_backend/internal/app"
	"course_access_backend/internal/config"
	"course_access_backend/pkg/logger"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	// 命令行参数
	migrateOnly := flag.Bool("migrate-only", false, "只执行数据库迁移，完成后退出")
	migrate := flag.Bool("migrate", false, "启动时强制执行数据库迁移（即使是 release 模式）")
	backfill := flag.Bool("backfill", false, "执行一次学习进度回填，完成后退出")
	reportPath := flag.String("report", "", "回填报告输出路径（YAML），\"-\" 表示标准输出")
	configDir := flag.String("config", "configs", "配置文件目录")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 设置迁移标志
	cfg.ForceMigrate = *migrate || *migrateOnly
	cfg.MigrateOnly = *migrateOnly
	cfg.BackfillOnly = *backfill

	application := app.NewApp(cfg, *configDir)
	defer logger.Log.Sync()

	// 迁移完成后直接退出
	if *migrateOnly {
		log.Println("数据库迁移完成，退出程序")
		return
	}

	if *backfill {
		report, err := application.RunBackfill(context.Background())
		if err != nil {
			logger.Log.Fatal("Backfill failed", zap.Error(err))
		}
		logger.Log.Info("Backfill finished",
			zap.Int("processed", report.Processed),
			zap.Int("errors", report.Errors))
		if *reportPath != "" {
			if err := writeReport(*reportPath, report); err != nil {
				logger.Log.Error("Failed to write backfill report", zap.Error(err))
			}
		}
		if report.Errors > 0 {
			logger.Log.Sync()
			os.Exit(2)
		}
		return
	}

	application.Run()
}

func writeReport(path string, report any) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}
