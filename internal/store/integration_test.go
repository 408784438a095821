package store_test

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/specforge/internal/store"
)

func startPostgres(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("pgvector/pgvector:pg16"),
		tcPostgres.WithDatabase("specforge"),
		tcPostgres.WithUsername("specforge"),
		tcPostgres.WithPassword("specforge"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	if err := store.Migrate("", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestConcurrentForksGetDistinctVersions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	st := startPostgres(t)

	root, err := st.CreateSpecRecord(ctx, store.NewSpec{OwnerID: "owner-1", InputText: "A banking app for retail customers"})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}

	const forks = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		versions []int
	)
	for i := 0; i < forks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := st.CreateSpecRecord(ctx, store.NewSpec{OwnerID: "owner-1", ParentID: root.ID, InputText: "fork"})
			if err != nil {
				t.Errorf("fork: %v", err)
				return
			}
			mu.Lock()
			versions = append(versions, rec.Version)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Ints(versions)
	if len(versions) != forks {
		t.Fatalf("expected %d forks, got %d", forks, len(versions))
	}
	for i, v := range versions {
		if v != i+2 {
			t.Fatalf("expected contiguous versions starting at 2, got %v", versions)
		}
	}

	history, err := st.ListLineage(ctx, "owner-1", root.ID)
	if err != nil {
		t.Fatalf("list lineage: %v", err)
	}
	if len(history) != forks+1 || history[0].Version != forks+1 {
		t.Fatalf("unexpected history: %d records, newest v%d", len(history), history[0].Version)
	}
}

func unitVector(dims ...float32) []float32 {
	v := make([]float32, 1536)
	copy(v, dims)
	return v
}

func TestSearchFragmentsRanksGoldBeforeNearer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	st := startPostgres(t)

	spec, err := st.CreateSpecRecord(ctx, store.NewSpec{OwnerID: "owner-1", InputText: "A ledger for small teams"})
	if err != nil {
		t.Fatalf("create spec: %v", err)
	}
	gold, plain := 0.95, 0.40
	frags := []store.Fragment{
		{ProjectID: "p", SourceSpecID: spec.ID, Category: "feature", Content: []byte(`{"name":"far gold"}`),
			ContentHash: "far-gold", QualityScore: &gold, Embedding: unitVector(0, 1)},
		{ProjectID: "p", SourceSpecID: spec.ID, Category: "feature", Content: []byte(`{"name":"near"}`),
			ContentHash: "near", QualityScore: &plain, Embedding: unitVector(1, 0)},
		{ProjectID: "p", SourceSpecID: spec.ID, Category: "feature", Content: []byte(`{"name":"middle"}`),
			ContentHash: "middle", Embedding: unitVector(1, 1)},
	}
	stored, err := st.InsertFragments(ctx, frags)
	if err != nil {
		t.Fatalf("insert fragments: %v", err)
	}
	if stored != len(frags) {
		t.Fatalf("expected %d stored, got %d", len(frags), stored)
	}

	matches, err := st.SearchFragments(ctx, unitVector(1, 0), 10, 0.85)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	got := []string{matches[0].ContentHash, matches[1].ContentHash, matches[2].ContentHash}
	want := []string{"far-gold", "near", "middle"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
	if !matches[0].Gold || matches[1].Gold || matches[2].Gold {
		t.Fatalf("unexpected gold flags: %v %v %v", matches[0].Gold, matches[1].Gold, matches[2].Gold)
	}
	if matches[0].Distance <= matches[1].Distance {
		t.Fatalf("gold match should be the farther one: %f vs %f", matches[0].Distance, matches[1].Distance)
	}
}
