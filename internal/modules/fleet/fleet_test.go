package fleet

import (
	"context"
	"errors"
	"testing"
)

func TestVehicleSeats(t *testing.T) {
	four := 4
	zero := 0
	tests := []struct {
		name string
		v    *Vehicle
		want int
	}{
		{"nil vehicle", nil, 15},
		{"no capacity", &Vehicle{ID: "v1"}, 15},
		{"zero capacity", &Vehicle{ID: "v1", Capacity: &zero}, 15},
		{"recorded capacity", &Vehicle{ID: "v1", Capacity: &four}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Seats(15); got != tt.want {
				t.Fatalf("Seats() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStaticDirectoryLookups(t *testing.T) {
	ctx := context.Background()
	dir := Seed(
		[]Driver{{ID: "d1", Name: "Dana", Active: true}},
		[]Vehicle{
			{ID: "v2", Label: "Van B", Active: true},
			{ID: "v1", Label: "Van A", Active: true},
			{ID: "v3", Label: "Retired", Active: false},
		},
	)

	d, err := dir.Driver(ctx, "d1")
	if err != nil || d.Name != "Dana" {
		t.Fatalf("Driver(d1) = %+v, %v", d, err)
	}
	if _, err := dir.Driver(ctx, "missing"); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("expected ErrDriverNotFound, got %v", err)
	}
	if _, err := dir.Vehicle(ctx, "missing"); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("expected ErrVehicleNotFound, got %v", err)
	}

	vs, err := dir.Vehicles(ctx)
	if err != nil {
		t.Fatalf("Vehicles: %v", err)
	}
	if len(vs) != 2 || vs[0].Label != "Van A" || vs[1].Label != "Van B" {
		t.Fatalf("unexpected active vehicles: %+v", vs)
	}
}

func TestStaticDirectoryOpenDrivers(t *testing.T) {
	dir := NewStaticDirectory()
	dir.OpenDrivers = true

	d, err := dir.Driver(context.Background(), "walk-in")
	if err != nil {
		t.Fatalf("Driver: %v", err)
	}
	if !d.Active || d.Name != "walk-in" {
		t.Fatalf("unexpected driver: %+v", d)
	}
	if _, err := dir.Driver(context.Background(), ""); !errors.Is(err, ErrDriverNotFound) {
		t.Fatalf("empty id should not resolve, got %v", err)
	}
}
