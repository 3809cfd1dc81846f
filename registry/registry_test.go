package registry

import (
	"errors"
	"testing"
)

func TestRegisterAndFind(t *testing.T) {
	r := New(0)
	if _, err := r.Register(0, 0x40000000, 0x1000, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d, ok := r.FindByAddr(0x40000000)
	if !ok || d.ID != 0 {
		t.Fatalf("FindByAddr(base) = %+v, %v", d, ok)
	}
	d, ok = r.FindByAddr(0x40000fff)
	if !ok || d.ID != 0 {
		t.Fatalf("FindByAddr(last byte) = %+v, %v", d, ok)
	}
	if _, ok := r.FindByAddr(0x40001000); ok {
		t.Fatalf("FindByAddr(one past end) unexpectedly matched")
	}
}

func TestRegisterRejectsOverlap(t *testing.T) {
	r := New(0)
	if _, err := r.Register(0, 0x40000000, 0x2000, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(1, 0x40001000, 0x1000, nil); err == nil {
		t.Fatal("expected overlap rejection")
	} else if !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	// Adjacent, non-overlapping window is fine.
	if _, err := r.Register(1, 0x40002000, 0x1000, nil); err != nil {
		t.Fatalf("adjacent register should succeed: %v", err)
	}
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	r := New(0)
	if _, err := r.Register(5, 0x40000000, 0x1000, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(5, 0x41000000, 0x1000, nil); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestRegisterRejectsMisalignment(t *testing.T) {
	r := New(0)
	if _, err := r.Register(0, 0x40000001, 0x1000, nil); !errors.Is(err, ErrInvalidBase) {
		t.Fatalf("expected ErrInvalidBase, got %v", err)
	}
	if _, err := r.Register(0, 0x40000000, 0x1001, nil); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize, got %v", err)
	}
	if _, err := r.Register(0, 0x40000000, 0, nil); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize for zero size, got %v", err)
	}
}

func TestRegisterRejectsWhenFull(t *testing.T) {
	r := New(2)
	if _, err := r.Register(0, 0x40000000, 0x1000, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(1, 0x40001000, 0x1000, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(2, 0x40002000, 0x1000, nil); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestUnregister(t *testing.T) {
	r := New(0)
	if _, err := r.Register(0, 0x40000000, 0x1000, "handle-0"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d, err := r.Unregister(0)
	if err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if d.Handle != "handle-0" {
		t.Fatalf("Unregister returned wrong handle: %v", d.Handle)
	}
	if _, ok := r.FindByAddr(0x40000000); ok {
		t.Fatal("device still findable after Unregister")
	}
	if _, err := r.Unregister(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second Unregister, got %v", err)
	}
}
