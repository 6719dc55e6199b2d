package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
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

// ExampleSQLiteStore_UpsertGoal demonstrates registering a catalog goal.
func ExampleSQLiteStore_UpsertGoal() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	goal := &engine.Goal{
		UUID:        "4f6ed0a6-3a0f-4c55-a8a4-3f5b3b6d2a11",
		Name:        "server_consolidation",
		DisplayName: "Server Consolidation",
	}
	if err := store.UpsertGoal(ctx, goal); err != nil {
		log.Fatal(err)
	}

	goals, _ := store.ListGoals(ctx)
	fmt.Println(len(goals), goals[0].Name)
	// Output: 1 server_consolidation
}
