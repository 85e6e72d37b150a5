package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/banshee-data/mocapfusion/internal/config"
	"github.com/banshee-data/mocapfusion/internal/storage/sqlite"
)

const migrateUsage = `usage: mocapfusion migrate [-config FILE] [-db PATH] <up|down|version>

  up       apply all pending migrations
  down     roll back the most recent migration
  version  print the current schema version
`

// runMigrate steps the session database schema. It returns the process exit
// code.
func runMigrate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "Path to the JSON config file")
	dbPath := fs.String("db", "", "SQLite database path (overrides the config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprint(stderr, migrateUsage)
		return 2
	}
	action := fs.Arg(0)
	switch action {
	case "up", "down", "version":
	default:
		fmt.Fprintf(stderr, "Unknown migrate action: %s\n\n", action)
		fmt.Fprint(stderr, migrateUsage)
		return 2
	}

	path := *dbPath
	if path == "" {
		cfg := config.Defaults()
		if *cfgPath != "" {
			var err error
			if cfg, err = config.Load(*cfgPath); err != nil {
				fmt.Fprintf(stderr, "migrate: %v\n", err)
				return 1
			}
		}
		path = cfg.ResolvePath(cfg.Storage.SQLitePath)
	}

	db, err := sqlite.OpenNoMigrate(config.StoreSQLite, path)
	if err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	defer db.Close()

	switch action {
	case "up":
		err = db.MigrateUp()
	case "down":
		err = db.MigrateDown()
	}
	if err != nil {
		fmt.Fprintf(stderr, "migrate %s: %v\n", action, err)
		return 1
	}
	v, dirty, err := db.MigrateVersion()
	if err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "schema version %d (dirty: %t)\n", v, dirty)
	return 0
}
