package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"phylesystem-api/internal/config"
	"phylesystem-api/internal/domain/entity"
	"phylesystem-api/internal/wire"
	"phylesystem-api/pkg/utils"
)

func main() {
	_ = godotenv.Load()

	fmt.Println("Starting phylesystem bootstrap...")

	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// 2. 打开文档仓库（git 后端会初始化裸仓库）并迁移故障记录表
	worker, cleanup, err := wire.InitializeWorker(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize document stores: %v", err)
	}
	defer cleanup()

	// 3. 检查推送状态
	for _, kind := range entity.AllDocKinds {
		out, err := worker.Pusher.Tracker().CurrentStatus(ctx, kind)
		if err != nil {
			log.Fatalf("failed to read push status for %s: %v", kind, err)
		}
		fmt.Printf("%s: pushes_succeeding=%t\n", kind, out.Succeeded)
	}

	// 4. 为开发环境签发令牌
	login := os.Getenv("BOOTSTRAP_LOGIN")
	if login == "" {
		fmt.Println("BOOTSTRAP_LOGIN not set, skipping token.")
		fmt.Println("Bootstrap completed successfully.")
		return
	}
	ttl := cfg.Security.JWT.Expiration
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err := utils.NewJWTManager(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer).
		GenerateToken(login, os.Getenv("BOOTSTRAP_NAME"), os.Getenv("BOOTSTRAP_EMAIL"), ttl)
	if err != nil {
		log.Fatalf("failed to issue token: %v", err)
	}
	fmt.Printf("auth_token for %s (expires in %s):\n%s\n", login, ttl, token)

	fmt.Println("Bootstrap completed successfully.")
}
