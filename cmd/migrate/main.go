package main

import (
	"flag"
	"log"

	"github.com/fjordledger/banksync/internal/store"
)

var dbPath = flag.String("db", "banksync.db", "Path to the SQLite database")

func main() {
	flag.Parse()

	s, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	log.Printf("Migrating schema in %s", *dbPath)
	if err := s.AutoMigrate(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Schema is up to date")
}
