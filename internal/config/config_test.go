package config

import "testing"

func TestDefaultHasThirteenBoards(t *testing.T) {
	cfg := Default()
	if len(cfg.RoachList) != 13 {
		t.Fatalf("got %d boards, want 13", len(cfg.RoachList))
	}
}

func TestBoardsIsDeterministicallyOrdered(t *testing.T) {
	cfg := Default()
	a := cfg.Boards()
	b := cfg.Boards()
	if len(a) != len(b) {
		t.Fatalf("length mismatch")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("order changed between calls at %d: %s vs %s", i, a[i], b[i])
		}
	}
	for i := 1; i < len(a); i++ {
		if a[i] < a[i-1] {
			t.Fatalf("not sorted at %d: %s < %s", i, a[i], a[i-1])
		}
	}
}

func TestBeamIDLookup(t *testing.T) {
	cfg := Default()
	id, ok := cfg.BeamID("roach01.local")
	if !ok || id != "beam_01" {
		t.Fatalf("got id=%q ok=%v", id, ok)
	}
	if _, ok := cfg.BeamID("unknown-host"); ok {
		t.Fatal("expected lookup miss for unknown host")
	}
}

func TestLoadWithoutPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TCSPort != Default().TCSPort {
		t.Fatalf("got %d, want default", cfg.TCSPort)
	}
}
