package main

import (
	"context"
	"os"

	"github.com/g960059/canview/internal/cli"
	"github.com/g960059/canview/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	r := cli.NewRunner(cfg.DBPath, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
