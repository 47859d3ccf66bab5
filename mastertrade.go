package main

import (
	"flag"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/zeromicro/go-zero/core/service"

	"mastertrade-core/internal/config"
	"mastertrade-core/internal/svc"
)

var configFile = flag.String("f", "etc/mastertrade.yaml", "the config file")

func main() {
	// Auto-load environment variables from .env at startup.
	// It's fine if the file does not exist; envs can still come from the OS.
	_ = godotenv.Load()

	flag.Parse()

	cfg := config.MustLoad(*configFile)
	cfg.MustSetUp()
	ctx := svc.NewServiceContext(cfg)

	group := service.NewServiceGroup()
	defer group.Stop()
	for _, s := range ctx.Services() {
		group.Add(s)
	}

	fmt.Printf("Starting mastertrade core env=%s...\n", cfg.Env)
	group.Start()
}
