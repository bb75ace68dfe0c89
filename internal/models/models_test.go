package models

import (
	"math"
	"testing"
	"time"
)

func TestDataTypeAccepts(t *testing.T) {
	tests := []struct {
		name string
		typ  DataType
		v    any
		want bool
	}{
		{"string ok", DataTypeString, "João", true},
		{"string blank", DataTypeString, "   ", false},
		{"string wrong type", DataTypeString, 42.0, false},
		{"number float", DataTypeNumber, 42.0, true},
		{"number int", DataTypeNumber, 7, true},
		{"number numeric string", DataTypeNumber, "1,5", true},
		{"number text", DataTypeNumber, "many", false},
		{"boolean", DataTypeBoolean, false, true},
		{"boolean string", DataTypeBoolean, "true", false},
		{"any nil", DataTypeAny, nil, false},
		{"any value", DataTypeAny, true, true},
		{"unset type", "", "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.Accepts(tt.v); got != tt.want {
				t.Errorf("Accepts(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestStateSatisfied(t *testing.T) {
	s := State{Name: "ASK_AGE", DataKey: "idade", DataType: DataTypeNumber}
	if s.Satisfied(map[string]any{}) {
		t.Error("expected unsatisfied with empty data")
	}
	if s.Satisfied(map[string]any{"idade": "trinta"}) {
		t.Error("expected unsatisfied with mistyped value")
	}
	if !s.Satisfied(map[string]any{"idade": 30.0}) {
		t.Error("expected satisfied with numeric value")
	}

	none := State{Name: "MENU", DataKey: NoDataKey}
	if none.RequiresData() || none.Satisfied(map[string]any{"none": "x"}) {
		t.Error("sentinel key must never be satisfied")
	}
}

func TestRouteTableLookups(t *testing.T) {
	rt := RouteTable{
		Success: []Route{{State: "B"}},
		Escape:  []Route{{State: "HUMAN"}},
	}
	if rt.Empty() {
		t.Fatal("route table should not be empty")
	}
	if !rt.Contains(RouteSuccess, "B") || rt.Contains(RoutePersist, "B") {
		t.Error("Contains returned wrong class membership")
	}
	if c, ok := rt.Find("HUMAN"); !ok || c != RouteEscape {
		t.Errorf("Find(HUMAN) = %v, %v", c, ok)
	}
	if !(RouteTable{}).Empty() {
		t.Error("zero route table should be empty")
	}
}

func TestTransitionHistoryWindow(t *testing.T) {
	now := time.Now()
	h := TransitionHistory{Entries: []Transition{
		{State: "A", At: now},
		{State: "B", At: now},
		{State: "C", At: now},
	}}
	w := h.Window(2)
	if len(w.Entries) != 2 || w.Entries[0].State != "B" || w.Entries[1].State != "C" {
		t.Errorf("Window(2) = %+v, want the last two entries", w.Entries)
	}
	if got := len(h.Window(0).Entries); got != 3 {
		t.Errorf("Window(0) length = %d, want 3", got)
	}
}

func TestAsNumber(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{"42", 42, true},
		{" 1,5 ", 1.5, true},
		{30, 30, true},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"-infinity", 0, false},
		{math.Inf(1), 0, false},
		{math.NaN(), 0, false},
		{"trinta", 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := AsNumber(tt.in)
		if ok != tt.ok {
			t.Errorf("AsNumber(%v) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("AsNumber(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecisionValidate(t *testing.T) {
	if err := (Decision{Verdict: VerdictError, Reasoning: []string{"boom"}}).Validate(); err != nil {
		t.Errorf("error verdict should validate, got %v", err)
	}
	if err := (Decision{Verdict: "maybe"}).Validate(); err != ErrInvalidVerdict {
		t.Errorf("expected ErrInvalidVerdict, got %v", err)
	}
	d := Decision{Verdict: VerdictSuccess, Route: RouteSuccess, NextState: "B"}
	if err := d.Validate(); err == nil {
		t.Error("expected error for missing reasoning")
	}
	d.Reasoning = []string{"key present"}
	if err := d.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestJoinBatch(t *testing.T) {
	got := JoinBatch([]BufferedMessage{{Text: "oi"}, {Text: "  "}, {Text: "meu nome é Ana"}})
	if got != "oi\nmeu nome é Ana" {
		t.Errorf("JoinBatch = %q", got)
	}
}
