package tracecache

import (
	"testing"

	"github.com/vex86/coregrind-go/backend"
)

func TestInsertRejectsOutOfRangeSizes(t *testing.T) {
	c := New()
	if _, err := c.Insert(0x1000, 0, []byte{0x90}, nil); err == nil {
		t.Fatal("expected error for zero orig size")
	}
	if _, err := c.Insert(0x1000, 4, nil, nil); err == nil {
		t.Fatal("expected error for empty host code")
	}
	if _, err := c.Insert(0x1000, MaxTranslationSize+1, []byte{0x90}, nil); err == nil {
		t.Fatal("expected error for oversized orig size")
	}
}

func TestInsertLookupRoundTrip(t *testing.T) {
	c := New()
	tr, err := c.Insert(0x2000, 3, []byte{0x90, 0x90, 0xC3}, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := c.Lookup(0x2000)
	if !ok || got != tr {
		t.Fatal("Lookup did not return the inserted translation")
	}
	if c.Counters().Translations != 1 {
		t.Fatalf("Translations counter = %d, want 1", c.Counters().Translations)
	}
	if _, ok := c.Lookup(0x3000); ok {
		t.Fatal("Lookup found a translation that was never inserted")
	}
}

func TestChainAndDiscardUnchains(t *testing.T) {
	c := New()
	src, _ := c.Insert(0x1000, 5, []byte{0xE9, 0, 0, 0, 0}, []backend.PatchSite{{Offset: 1, TargetPC: 0x1010}})
	dst, _ := c.Insert(0x1010, 2, []byte{0x90, 0xC3}, nil)

	c.Chain(src, 0, dst, 0xCAFEBABE)
	if src.Code[1] != 0xBE || src.Code[4] != 0xCA {
		t.Fatalf("Chain did not patch rel32 field, got % x", src.Code[1:5])
	}
	if c.Counters().ChainedJumps != 1 {
		t.Fatalf("ChainedJumps = %d, want 1", c.Counters().ChainedJumps)
	}

	n := c.Discard(0x1010, 0x1011)
	if n != 1 {
		t.Fatalf("Discard removed %d translations, want 1", n)
	}
	if _, ok := c.Lookup(0x1010); ok {
		t.Fatal("discarded translation still present")
	}
	if _, stillChained := src.Chained[1]; stillChained {
		t.Fatal("src's chain entry should have been removed on discard")
	}
	if c.Counters().Discards != 1 {
		t.Fatalf("Discards = %d, want 1", c.Counters().Discards)
	}
}
