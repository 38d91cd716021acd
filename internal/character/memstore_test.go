package character

import (
	"context"
	"errors"
	"testing"
)

func TestMemStore_CreateAndGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	c := &Character{Name: "aria", Color: "#fff"}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.LastModified.IsZero() {
		t.Error("expected LastModified to be set")
	}

	got, err := s.Get(ctx, "aria")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "aria" || got.Color != "#fff" {
		t.Errorf("unexpected character: %+v", got)
	}
}

func TestMemStore_CreateDuplicate_ReturnsError(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Create(ctx, &Character{Name: "nova"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, &Character{Name: "nova"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Errorf("expected ErrDuplicateName, got %v", err)
	}
}

func TestMemStore_Get_NotFound(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_Update_ConflictOnStaleToken(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	c := &Character{Name: "nova", Color: "red"}
	if err := s.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	staleToken := c.LastModified.UnixNano()

	// A concurrent update moves the token forward.
	c.Color = "blue"
	if err := s.Update(ctx, c, staleToken); err != nil {
		t.Fatalf("first Update: %v", err)
	}

	c.Color = "green"
	err := s.Update(ctx, c, staleToken)
	var conflict *ErrConflict
	if !errors.As(err, &conflict) {
		t.Errorf("expected *ErrConflict, got %v", err)
	}
}

func TestMemStore_Update_NotFound(t *testing.T) {
	s := NewMemStore()
	err := s.Update(context.Background(), &Character{Name: "ghost"}, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStore_Delete_RemovesCharacter(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Create(ctx, &Character{Name: "aria"})

	if err := s.Delete(ctx, "aria"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists(ctx, "aria") {
		t.Error("expected character to be gone")
	}
}

func TestMemStore_List_OrderedByName(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	_ = s.Create(ctx, &Character{Name: "zeta"})
	_ = s.Create(ctx, &Character{Name: "aria"})
	_ = s.Create(ctx, &Character{Name: "mira"})

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"aria", "mira", "zeta"}
	if len(list) != len(want) {
		t.Fatalf("expected %d characters, got %d", len(want), len(list))
	}
	for i, name := range want {
		if list[i].Name != name {
			t.Errorf("index %d: expected %q, got %q", i, name, list[i].Name)
		}
	}
}
