// Command mocapfusion runs the motion capture fusion server. The ctl
// subcommand drives a running server's control plane and the migrate
// subcommand steps the session database schema.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/mocapfusion/internal/config"
	"github.com/banshee-data/mocapfusion/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to the JSON config file (defaults are used when empty)")
	homeDir     = flag.String("home", "", "Override home_dir from the config")
	listen      = flag.String("listen", "", "Override http_listen from the config")
	grpcListen  = flag.String("grpc-listen", "", "Override grpc_listen from the config")
	record      = flag.Bool("record", false, "Start recording immediately (start_mode=record)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if *homeDir != "" {
		cfg.HomeDir = *homeDir
	}
	if *listen != "" {
		cfg.HTTPListen = *listen
	}
	if *grpcListen != "" {
		cfg.GRPCListen = *grpcListen
	}
	if *record {
		cfg.StartMode = "record"
	}
	return cfg, cfg.Validate()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "ctl":
			os.Exit(runCtl(context.Background(), os.Args[2:], os.Stdout, os.Stderr))
		case "migrate":
			os.Exit(runMigrate(os.Args[2:], os.Stdout, os.Stderr))
		}
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Current())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		log.Fatalf("Failed to create home dir %s: %v", cfg.HomeDir, err)
	}

	a, err := newApp(cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("%s starting: %d adapters, recording to %s", version.Current(), len(a.inputs), cfg.Storage.RecordTo)
	if err := a.run(ctx); err != nil {
		log.Printf("server error: %v", err)
	}
	log.Print("graceful shutdown complete")
}
