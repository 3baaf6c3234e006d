package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/HerbHall/netmapper/internal/backup"
	"github.com/HerbHall/netmapper/internal/config"
)

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	output := fs.String("output", "", "output file path (default: netmapper-backup-{timestamp}.tar.gz)")
	configFile := fs.String("config", "", "path to config file; included in the backup")
	dbPath := fs.String("db", "", "history database to back up (default: history.dsn from config)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *dbPath == "" {
		cfg, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		*dbPath = cfg.GetString("history.dsn")
	}

	if *output == "" {
		*output = fmt.Sprintf("netmapper-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
	}

	m, err := backup.Backup(context.Background(), *dbPath, *configFile, *output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backup created: %s (database %s", *output, m.Database)
	if m.Config != "" {
		fmt.Printf(", config %s", m.Config)
	}
	fmt.Println(")")
}
