package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tavern.org/internal/store/sqlstore"
)

func main() {
	log.SetFlags(0)
	var (
		driver = flag.String("driver", envOr("TAVERN_DB_DRIVER", sqlstore.DriverSQLite), "database driver (pgx|sqlite)")
		dsn    = flag.String("dsn", os.Getenv("TAVERN_DB_DSN"), "database DSN")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TAVERN_DB_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := sqlstore.Open(*driver, *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer st.Close()

	mgr := st.Migrations()

	var names []string
	switch flag.Arg(0) {
	case "up":
		names, err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		names, err = mgr.Seed(ctx)
	case "status":
		names, err = mgr.Status(ctx)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
