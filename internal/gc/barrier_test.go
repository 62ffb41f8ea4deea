package gc

import "testing"

func TestNewSelectsStrategy(t *testing.T) {
	if New(StrategyCardMarking).Strategy() != StrategyCardMarking {
		t.Fatal("New(StrategyCardMarking) must report StrategyCardMarking")
	}
	if New(StrategySATB).Strategy() != StrategySATB {
		t.Fatal("New(StrategySATB) must report StrategySATB")
	}
	if New(StrategyAtomicColor).Strategy() != StrategyAtomicColor {
		t.Fatal("New(StrategyAtomicColor) must report StrategyAtomicColor")
	}
}

func TestCardMarkingDirtyCards(t *testing.T) {
	c := NewCardMarking()
	c.Mark(0x1000, 0, 8)
	c.Mark(0x1008, 0, 8) // same 512-byte card as 0x1000
	c.Mark(0x3000, 0, 8) // a different card

	cards := c.DirtyCards()
	if len(cards) != 2 {
		t.Fatalf("DirtyCards = %v, want 2 distinct cards", cards)
	}
	// DirtyCards must clear the set.
	if remaining := c.DirtyCards(); len(remaining) != 0 {
		t.Fatalf("expected DirtyCards to be empty after drain, got %v", remaining)
	}
}

func TestSATBLogsPriorValue(t *testing.T) {
	s := NewSATB()
	s.Mark(0x1000, 0xAAAA, 8)
	s.Mark(0x2000, 0xBBBB, 8)

	log := s.DrainLog()
	if len(log) != 2 || log[0].Value != 0xAAAA || log[1].Value != 0xBBBB {
		t.Fatalf("unexpected SATB log: %+v", log)
	}
	if remaining := s.DrainLog(); len(remaining) != 0 {
		t.Fatalf("expected log to be cleared after DrainLog, got %v", remaining)
	}
}

func TestAtomicColorMarksAndReads(t *testing.T) {
	a := NewAtomicColor()
	if a.Color(0x1000) != 0 {
		t.Fatal("unmarked address should report colour 0 (white)")
	}
	a.Mark(0x1000, 0, 8)
	if a.Color(0x1000) != 1 {
		t.Fatal("marked address should report colour 1")
	}
}
