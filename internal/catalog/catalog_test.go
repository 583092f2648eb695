package catalog

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type fakeLoader struct {
	entries map[Key]Entry
	err     error
	calls   int
}

func (f *fakeLoader) LoadCatalog(ctx context.Context) (map[Key]Entry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func TestLookup_KnownAndUnknown(t *testing.T) {
	tol := 0.5
	loader := &fakeLoader{entries: map[Key]Entry{
		{EquipType: "pcc", Addr: 40034}: {
			EquipType: "pcc", Addr: 40034, NameDefault: "gen_power",
			ValueKind: KindAnalog, Tolerance: &tol, StoreHistory: true,
		},
	}}
	c := New(loader, zap.NewNop())
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	e := c.Lookup("pcc", 40034)
	if e == nil || e.NameDefault != "gen_power" {
		t.Fatalf("Lookup(pcc,40034) = %+v, want gen_power entry", e)
	}
	if c.Lookup("pcc", 49999) != nil {
		t.Fatal("Lookup of missing addr returned an entry")
	}
	if c.Lookup("other", 40034) != nil {
		t.Fatal("Lookup with wrong equip_type returned an entry")
	}
}

func TestLookup_ReturnsCopy(t *testing.T) {
	loader := &fakeLoader{entries: map[Key]Entry{
		{EquipType: "pcc", Addr: 1}: {EquipType: "pcc", Addr: 1, NameDefault: "a"},
	}}
	c := New(loader, zap.NewNop())
	if err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	e := c.Lookup("pcc", 1)
	e.NameDefault = "mutated"
	if c.Lookup("pcc", 1).NameDefault != "a" {
		t.Fatal("Lookup leaked a reference into the snapshot")
	}
}

func TestReload_ErrorKeepsOldSnapshot(t *testing.T) {
	loader := &fakeLoader{entries: map[Key]Entry{
		{EquipType: "pcc", Addr: 1}: {EquipType: "pcc", Addr: 1},
	}}
	c := New(loader, zap.NewNop())
	if err := c.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	loader.err = errors.New("store down")
	if err := c.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if c.Lookup("pcc", 1) == nil {
		t.Fatal("failed reload discarded the previous snapshot")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}
