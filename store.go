package opiweb

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TpArmStatus is the lifecycle status of an armed ladder
type TpArmStatus string

const (
	TpArmStatusArmed     TpArmStatus = "armed"
	TpArmStatusCompleted TpArmStatus = "completed"
	TpArmStatusCancelled TpArmStatus = "cancelled"
	TpArmStatusError     TpArmStatus = "error"
	TpArmStatusTimeout   TpArmStatus = "timeout"
)

// Terminal reports whether the arm will never place another level.
func (s TpArmStatus) Terminal() bool {
	switch s {
	case TpArmStatusCompleted, TpArmStatusCancelled, TpArmStatusError, TpArmStatusTimeout:
		return true
	}
	return false
}

// Level placement statuses
const (
	LevelStatusPlaced = "placed"
	LevelStatusError  = "error"
)

// PlacedLevel records what happened to one level of an arm
type PlacedLevel struct {
	Status           string          `json:"status"`
	TpOrderID        string          `json:"tp_order_id,omitempty"`
	Error            string          `json:"error,omitempty"`
	FillRatioTrigger decimal.Decimal `json:"fill_ratio_trigger"`
	At               time.Time       `json:"ts"`
}

// TpEvent is one entry of an arm's event log
type TpEvent struct {
	At        time.Time        `json:"ts"`
	Event     string           `json:"event"`
	Level     *int             `json:"level,omitempty"`
	TpOrderID string           `json:"tp_order_id,omitempty"`
	FillRatio *decimal.Decimal `json:"fill_ratio,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// TpArm is the engine-side state of one armed ladder.
type TpArm struct {
	ArmID            string                `json:"arm_id"`
	Owner            string                `json:"eoa_address"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	EntryOrderID     string                `json:"entry_order_id"`
	TokenID          string                `json:"token_id"`
	EntrySizeTokens  decimal.Decimal       `json:"entry_size_tokens"`
	Mode             TpMode                `json:"mode"`
	Levels           []TpLevel             `json:"levels"`
	SignedOrders     map[int]SignedTpOrder `json:"signed_tp_orders"`
	PlacedLevels     map[int]PlacedLevel   `json:"placed_levels"`
	Status           TpArmStatus           `json:"status"`
	LastFilledTokens decimal.Decimal       `json:"last_filled_tokens"`
	MaxMinutes       int                   `json:"max_minutes"`
	Events           []TpEvent             `json:"events"`
}

// Deadline is the moment the arm times out
func (a *TpArm) Deadline() time.Time {
	return a.CreatedAt.Add(time.Duration(a.MaxMinutes) * time.Minute)
}

func (a *TpArm) clone() *TpArm {
	c := *a
	c.Levels = append([]TpLevel(nil), a.Levels...)
	c.Events = append([]TpEvent(nil), a.Events...)
	c.SignedOrders = make(map[int]SignedTpOrder, len(a.SignedOrders))
	for k, v := range a.SignedOrders {
		c.SignedOrders[k] = v
	}
	c.PlacedLevels = make(map[int]PlacedLevel, len(a.PlacedLevels))
	for k, v := range a.PlacedLevels {
		c.PlacedLevels[k] = v
	}
	return &c
}

// Store keeps TP arms and idempotency marks for the lifetime of the process.
// Every read returns a copy; writes go through UpdateArm.
type Store struct {
	mu          sync.RWMutex
	arms        map[string]*TpArm
	idempotency map[string]struct{}
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		arms:        make(map[string]*TpArm),
		idempotency: make(map[string]struct{}),
	}
}

// SaveArm inserts or replaces an arm
func (s *Store) SaveArm(arm *TpArm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arms[arm.ArmID] = arm.clone()
}

// GetArm returns a copy of the arm
func (s *Store) GetArm(armID string) (*TpArm, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arm, ok := s.arms[armID]
	if !ok {
		return nil, false
	}
	return arm.clone(), true
}

// UpdateArm applies fn to the stored arm under the write lock and returns a
// copy of the result.
func (s *Store) UpdateArm(armID string, fn func(*TpArm)) (*TpArm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arm, ok := s.arms[armID]
	if !ok {
		return nil, ErrArmNotFound
	}
	fn(arm)
	return arm.clone(), nil
}

// AppendEvent adds an event to the arm's log. Unknown arms are ignored.
func (s *Store) AppendEvent(armID string, ev TpEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if arm, ok := s.arms[armID]; ok {
		arm.Events = append(arm.Events, ev)
	}
}

// ArmsFor returns the owner's arms, oldest first. Owners compare case-insensitively.
func (s *Store) ArmsFor(owner string) []*TpArm {
	return s.filter(func(a *TpArm) bool { return strings.EqualFold(a.Owner, owner) })
}

// ArmsForEntry returns every arm attached to the entry order
func (s *Store) ArmsForEntry(entryOrderID string) []*TpArm {
	return s.filter(func(a *TpArm) bool { return a.EntryOrderID == entryOrderID })
}

func (s *Store) filter(keep func(*TpArm) bool) []*TpArm {
	s.mu.RLock()
	out := make([]*TpArm, 0)
	for _, arm := range s.arms {
		if keep(arm) {
			out = append(out, arm.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ArmID < out[j].ArmID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MarkIdempotent records key and reports whether it was new.
func (s *Store) MarkIdempotent(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.idempotency[key]; seen {
		return false
	}
	s.idempotency[key] = struct{}{}
	return true
}
