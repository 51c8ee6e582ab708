// 手动触发消息归档与审计日志清理脚本
//
// 该功能已集成到主应用的后台定时任务中（按 maintenance.interval_minutes 周期执行）。
// 此脚本仅用于手动触发，例如首次上线前清理历史数据或调整保留期后立即生效。
//
// 用法: go run scripts/maintenance.go

package main

import (
	"log"

	"school_im_backend/internal/config"
	"school_im_backend/internal/repository"
	"school_im_backend/internal/service"
	"school_im_backend/pkg/database"
	"school_im_backend/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("无法读取配置文件: %v", err)
	}

	logger.InitLogger(cfg)

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}

	// 只用到归档和清理，不需要会话、鉴权与密钥组件
	oversight := service.NewAdminOversightService(
		db, repository.NewAdminAccessRepository(db), nil, nil, nil, cfg.Maintenance)

	log.Println("手动触发消息归档任务...")
	archived, err := oversight.ArchiveOldMessages()
	if err != nil {
		log.Fatalf("归档失败: %v", err)
	}
	log.Printf("已归档 %d 条消息", archived)

	log.Println("手动触发审计日志清理任务...")
	purged, err := oversight.PurgeOldAccessLogs()
	if err != nil {
		log.Fatalf("清理失败: %v", err)
	}
	log.Printf("已清理 %d 条审计日志，完成！", purged)
}
