package entity

import (
	"math"
	"testing"
)

func TestEntityNameReturnsKey(t *testing.T) {
	cases := []struct {
		entity Entity
		want   string
	}{
		{Node{Name: "wisn1", X: 12.5, Y: 30}, "wisn1"},
		{CalibrationPoint{Name: "cal-a", X: 1, Y: 2}, "cal-a"},
		{Device{Name: "alice", X: 5, Y: 5, R: 1}, "alice"},
	}
	for _, tc := range cases {
		if got := tc.entity.EntityName(); got != tc.want {
			t.Fatalf("EntityName() = %q, want %q", got, tc.want)
		}
	}
}

func TestFiniteCoordsAcceptsFiniteValues(t *testing.T) {
	if !FiniteCoords(Node{Name: "n", X: -3.25, Y: 0}) {
		t.Fatal("expected finite node coords to be accepted")
	}
	if !FiniteCoords(Device{Name: "d", X: 1, Y: 2, R: 0.5}) {
		t.Fatal("expected finite device coords to be accepted")
	}
}

func TestFiniteCoordsRejectsNaNAndInf(t *testing.T) {
	cases := []Entity{
		Node{Name: "n", X: math.NaN(), Y: 0},
		Node{Name: "n", X: 0, Y: math.Inf(1)},
		CalibrationPoint{Name: "c", X: math.Inf(-1), Y: 0},
		Device{Name: "d", X: 0, Y: 0, R: math.NaN()},
	}
	for _, e := range cases {
		if FiniteCoords(e) {
			t.Fatalf("expected non-finite coords to be rejected for %#v", e)
		}
	}
}
