package opiweb

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newStoredArm(id, owner, entry string, created time.Time) *TpArm {
	return &TpArm{
		ArmID:           id,
		Owner:           owner,
		CreatedAt:       created,
		EntryOrderID:    entry,
		EntrySizeTokens: decimal.NewFromInt(10),
		Levels:          testLadder(),
		SignedOrders:    map[int]SignedTpOrder{},
		PlacedLevels:    map[int]PlacedLevel{},
		Status:          TpArmStatusArmed,
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore()
	arm := newStoredArm("tp_a", testOwner, "0xentry0001", time.Unix(100, 0))
	s.SaveArm(arm)

	arm.Status = TpArmStatusError
	got, ok := s.GetArm("tp_a")
	if !ok {
		t.Fatal("GetArm() missing saved arm")
	}
	if got.Status != TpArmStatusArmed {
		t.Errorf("stored status changed through the saved pointer: %s", got.Status)
	}

	got.PlacedLevels[0] = PlacedLevel{Status: LevelStatusPlaced}
	got.Levels[0].Price = decimal.NewFromInt(0)
	again, _ := s.GetArm("tp_a")
	if len(again.PlacedLevels) != 0 || again.Levels[0].Price.IsZero() {
		t.Error("stored arm changed through a returned copy")
	}

	if _, ok := s.GetArm("tp_missing"); ok {
		t.Error("GetArm(unknown) found an arm")
	}
}

func TestStoreUpdateArm(t *testing.T) {
	s := NewStore()
	s.SaveArm(newStoredArm("tp_a", testOwner, "0xentry0001", time.Unix(100, 0)))

	updated, err := s.UpdateArm("tp_a", func(a *TpArm) { a.Status = TpArmStatusCompleted })
	if err != nil {
		t.Fatalf("UpdateArm() error = %v", err)
	}
	if updated.Status != TpArmStatusCompleted {
		t.Errorf("Status = %s, want completed", updated.Status)
	}

	if _, err := s.UpdateArm("tp_missing", func(*TpArm) {}); !errors.Is(err, ErrArmNotFound) {
		t.Errorf("UpdateArm(unknown) error = %v, want %v", err, ErrArmNotFound)
	}

	s.AppendEvent("tp_a", TpEvent{Event: "cancelled"})
	s.AppendEvent("tp_missing", TpEvent{Event: "cancelled"})
	got, _ := s.GetArm("tp_a")
	if len(got.Events) != 1 || got.Events[0].Event != "cancelled" {
		t.Errorf("events = %+v", got.Events)
	}
}

func TestStoreQueries(t *testing.T) {
	s := NewStore()
	s.SaveArm(newStoredArm("tp_c", testOwner, "0xentry0002", time.Unix(300, 0)))
	s.SaveArm(newStoredArm("tp_a", testOwner, "0xentry0001", time.Unix(100, 0)))
	s.SaveArm(newStoredArm("tp_b", "0x0000000000000000000000000000000000000bad", "0xentry0001", time.Unix(200, 0)))

	arms := s.ArmsFor("0XABC0000000000000000000000000000000000001")
	if len(arms) != 2 || arms[0].ArmID != "tp_a" || arms[1].ArmID != "tp_c" {
		t.Errorf("ArmsFor() = %v, want [tp_a tp_c]", armIDs(arms))
	}

	arms = s.ArmsForEntry("0xentry0001")
	if len(arms) != 2 || arms[0].ArmID != "tp_a" || arms[1].ArmID != "tp_b" {
		t.Errorf("ArmsForEntry() = %v, want [tp_a tp_b]", armIDs(arms))
	}

	if arms := s.ArmsFor("0x0000000000000000000000000000000000000001"); len(arms) != 0 {
		t.Errorf("ArmsFor(nobody) = %v, want none", armIDs(arms))
	}
}

func TestStoreMarkIdempotent(t *testing.T) {
	s := NewStore()
	if !s.MarkIdempotent("tp_a:0:0xsig") {
		t.Error("first mark reported as duplicate")
	}
	if s.MarkIdempotent("tp_a:0:0xsig") {
		t.Error("second mark reported as new")
	}
	if !s.MarkIdempotent("tp_a:1:0xsig") {
		t.Error("different level reported as duplicate")
	}
}

func TestTpArmStatusTerminal(t *testing.T) {
	tests := map[TpArmStatus]bool{
		TpArmStatusArmed:     false,
		TpArmStatusCompleted: true,
		TpArmStatusCancelled: true,
		TpArmStatusError:     true,
		TpArmStatusTimeout:   true,
	}
	for status, want := range tests {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func armIDs(arms []*TpArm) []string {
	ids := make([]string, len(arms))
	for i, a := range arms {
		ids[i] = a.ArmID
	}
	return ids
}
