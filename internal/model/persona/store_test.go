package persona

import "testing"

func TestResolvePreservesOrder(t *testing.T) {
	store := NewMemoryStore(Seed())

	found, missing := Resolve(store, []string{"tesla", "nobody", "ada"})
	if len(found) != 2 {
		t.Fatalf("expected 2 personas, got %d", len(found))
	}
	if found[0].ID != "tesla" || found[1].ID != "ada" {
		t.Fatalf("unexpected order: %s, %s", found[0].ID, found[1].ID)
	}
	if len(missing) != 1 || missing[0] != "nobody" {
		t.Fatalf("unexpected missing list: %v", missing)
	}
}

func TestListReturnsCopy(t *testing.T) {
	store := NewMemoryStore(Seed())
	items := store.List()
	items[0].Name = "mutated"

	again, ok := store.FindByID(items[0].ID)
	if !ok {
		t.Fatal("expected persona to exist")
	}
	if again.Name == "mutated" {
		t.Fatal("List must not expose internal storage")
	}
}

func TestDisplayNameFallsBackToID(t *testing.T) {
	p := Persona{ID: "anon"}
	if p.DisplayName() != "anon" {
		t.Fatalf("expected id fallback, got %s", p.DisplayName())
	}
}
