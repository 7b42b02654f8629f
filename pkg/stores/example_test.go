package stores_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/stakehost/stakehost/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path: ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_PutEntries demonstrates an atomic batch of keyed store entries.
func ExampleSQLiteStore_PutEntries() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	err := store.PutEntries(ctx, "base-alice", map[string]json.RawMessage{
		"uuid":     json.RawMessage(`"4f1c"`),
		"publicIp": json.RawMessage(`"10.0.0.1"`),
	})
	if err != nil {
		log.Fatal(err)
	}

	keys, _ := store.ListKeys(ctx, "base-alice")
	fmt.Println(keys)
	// Output: [publicIp uuid]
}

// ExampleSQLiteStore_ListRuns demonstrates reading process history.
func ExampleSQLiteStore_ListRuns() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_ = store.CreateRun(ctx, &stores.Run{
		ID:        "run-001",
		Process:   "install",
		Status:    stores.RunStatusRunning,
		StepCount: 8,
		StartedAt: started,
	})
	_ = store.FinishRun(ctx, "run-001", stores.RunStatusSucceeded, nil, nil)

	runs, err := store.ListRuns(ctx, nil, 10, 0)
	if err != nil {
		log.Fatal(err)
	}
	for _, r := range runs {
		fmt.Printf("%s %s %s\n", r.ID, r.Process, r.Status)
	}
	// Output: run-001 install succeeded
}
