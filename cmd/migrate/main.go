// Applies migrations/*.sql in lexical order, one transaction per file.
// With --status it reports the schema and message log state instead.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	statusOnly := false
	for _, a := range os.Args[1:] {
		switch a {
		case "--status", "--list":
			statusOnly = true
		default:
			dir = a
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	if statusOnly {
		printStatus(db)
		return
	}

	ok, failed := apply(db, dir)
	log.Printf("Done: %d OK, %d errors", ok, failed)
	if failed > 0 {
		os.Exit(1)
	}
	log.Println("Migrations complete")
}

func apply(db *sql.DB, dir string) (okCount, errCount int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Fatalf("read migrations dir %s: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		path := filepath.Join(dir, f)
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		content := string(data)
		if strings.TrimSpace(content) == "" {
			continue
		}
		fmt.Printf("  %s ... ", f)

		tx, err := db.Begin()
		if err != nil {
			fmt.Printf("BEGIN ERROR: %v\n", err)
			errCount++
			continue
		}
		if _, err := tx.Exec(content); err != nil {
			tx.Rollback()
			fmt.Printf("ERROR: %v\n", err)
			errCount++
		} else {
			tx.Commit()
			fmt.Println("OK")
			okCount++
		}
	}
	return okCount, errCount
}

// printStatus lists the service's tables (users plus the message_logs
// parent and its monthly partitions) and, when the log exists, a per-status
// row rollup.
func printStatus(db *sql.DB) {
	rows, err := db.Query("SELECT tablename FROM pg_tables WHERE schemaname='public' AND (tablename = 'users' OR tablename LIKE 'message_logs%') ORDER BY tablename")
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var t string
		rows.Scan(&t)
		fmt.Println(" ", t)
		n++
	}
	fmt.Printf("Total: %d tables\n", n)
	if n == 0 {
		return
	}

	counts, err := db.Query("SELECT status, COUNT(*) FROM message_logs GROUP BY status ORDER BY status")
	if err != nil {
		log.Printf("status rollup unavailable: %v", err)
		return
	}
	defer counts.Close()
	fmt.Println("Message log:")
	for counts.Next() {
		var status string
		var c int64
		counts.Scan(&status, &c)
		fmt.Printf("  %-10s %d\n", status, c)
	}
}
