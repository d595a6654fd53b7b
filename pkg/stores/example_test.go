package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/stratalabel/strata/pkg/stores"
)

// ExampleOpen opens an in-memory SQLite store and inserts documents.
func ExampleOpen() {
	ctx := context.Background()
	store, err := stores.Open(ctx, "sqlite://:memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	importer := store.(stores.Importer)
	err = importer.Insert(ctx, "tickets", []stores.Document{
		{ID: "t1", Fields: map[string]any{"origin": "Email"}},
		{ID: "t2", Fields: map[string]any{"origin": "Email"}},
		{ID: "t3", Fields: map[string]any{"origin": "Reddit"}},
	})
	if err != nil {
		log.Fatal(err)
	}

	coll, _ := store.Collection("tickets")
	n, _ := coll.Count(ctx, stores.Filter{stores.Eq("origin", "Email")})
	fmt.Println("email tickets:", n)
	// Output: email tickets: 2
}

// ExampleCollection_Claim shows the three claim outcomes.
func ExampleCollection_Claim() {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	_ = store.Insert(ctx, "tickets", []stores.Document{{ID: "t1", Fields: map[string]any{}}})
	coll, _ := store.Collection("tickets")

	first, _ := coll.Claim(ctx, "t1", "stage", "Receive")
	again, _ := coll.Claim(ctx, "t1", "stage", "Receive")
	other, _ := coll.Claim(ctx, "t1", "stage", "Hold")

	fmt.Println(first, again, other)
	// Output: applied unchanged conflict
}

// ExampleFilter_String renders a partition filter.
func ExampleFilter_String() {
	f := stores.Filter{stores.Eq("origin", "Email"), stores.Unset("category")}.And(stores.Unset("stage"))
	fmt.Println(f)
	// Output: {origin eq "Email", category:unset, stage:unset}
}
