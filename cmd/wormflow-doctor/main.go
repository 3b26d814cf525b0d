// wormflow-doctor checks the deployment environment: tool availability,
// database access and filesystem watching on the configured input root.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"wormflow/internal/config"
	"wormflow/internal/storage"
	"wormflow/internal/tasks"
)

func main() {
	fmt.Println("Checking wormflow environment")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer store.Close()
	fmt.Printf("Database OK: %s\n", cfg.Paths.DatabasePath)

	tm := tasks.NewToolManager(cfg)
	for stage, tools := range tm.GetToolStatus() {
		for name, status := range tools {
			if status.Available {
				fmt.Printf("  %s/%s: available (%s)\n", stage, name, status.Version)
			} else {
				fmt.Printf("  %s/%s: MISSING\n", stage, name)
			}
		}
	}

	acqs, err := store.Acquisitions()
	if err != nil {
		log.Fatal("Failed to query acquisitions:", err)
	}
	fmt.Printf("Registered acquisitions: %d\n", len(acqs))

	fmt.Printf("\nWatching %s for 30 seconds...\n", cfg.Paths.InputRoot)
	watcher, err := tasks.NewRecordingWatcher(cfg.Paths.InputRoot)
	if err != nil {
		log.Fatal("Failed to create watcher:", err)
	}
	if err := watcher.Start(); err != nil {
		log.Fatal("Failed to start watcher:", err)
	}
	defer watcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eventCount := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("Done. Captured %d events.\n", eventCount)
			return
		case ev := <-watcher.Events:
			eventCount++
			fmt.Printf("  %s %s (%d bytes)\n", ev.Operation, ev.Path, ev.Size)
		case <-time.After(10 * time.Second):
			fmt.Println("  no events in the last 10 seconds")
		}
	}
}
