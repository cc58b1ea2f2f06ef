package main

import (
	"context"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"crm-activities/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx := context.Background()

	tables := []string{os.Getenv("ACTIVITIES_TABLE")}
	if err := storage.CreateTables(ctx, connStr, tables); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	log.WithField("tables", tables).Debug("tables ready")

	queues := []string{os.Getenv("ACTIVITY_EVENTS_QUEUE")}
	if err := storage.CreateQueues(ctx, connStr, queues); err != nil {
		log.Fatalf("create queues: %v", err)
	}
	log.WithField("queues", queues).Debug("queues ready")

	log.Info("storage init complete")
}
