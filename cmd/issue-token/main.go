package main

import (
	"fmt"
	"os"
	"time"

	jwtpkg "expirebot/backend/internal/auth/jwt"
	"expirebot/backend/internal/config"
)

// main 为管理接口签发访问令牌
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: issue-token <subject> [admin|reader] [expiry]")
		os.Exit(1)
	}

	subject := os.Args[1]
	role := jwtpkg.RoleAdmin
	if len(os.Args) >= 3 {
		role = os.Args[2]
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	expiry := cfg.JWT.AccessExpiry
	if len(os.Args) >= 4 {
		expiry, err = time.ParseDuration(os.Args[3])
		if err != nil {
			fmt.Printf("Invalid expiry %q: %v\n", os.Args[3], err)
			os.Exit(1)
		}
	}

	manager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, expiry)
	token, err := manager.Issue(subject, role)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Subject:    %s\n", subject)
	fmt.Printf("Role:       %s\n", role)
	fmt.Printf("Expires at: %s\n", token.ExpiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Println(token.AccessToken)
}
