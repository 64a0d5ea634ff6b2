package vm

import (
	"errors"
	"testing"
)

func TestSbrk(t *testing.T) {
	m, err := New(64*1024, 4096, 32*1024)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	base := m.Brk()
	if base != 4096 {
		t.Fatalf("Brk() = %d, want 4096", base)
	}

	p1, err := m.Sbrk(100)
	if err != nil {
		t.Fatalf("Sbrk(100) failed: %v", err)
	}
	p2, err := m.Sbrk(200)
	if err != nil {
		t.Fatalf("Sbrk(200) failed: %v", err)
	}
	if p2-p1 != 100 {
		t.Errorf("p2-p1 = %d, want 100", p2-p1)
	}

	if _, err := m.Sbrk(1 << 20); !errors.Is(err, ErrBreakCeiling) {
		t.Errorf("Sbrk past ceiling error = %v, want ErrBreakCeiling", err)
	}
	if m.Brk() != base+300 {
		t.Errorf("failed Sbrk moved the break to %d", m.Brk())
	}

	if _, err := m.Sbrk(-300); err != nil {
		t.Fatalf("Sbrk(-300) failed: %v", err)
	}
	if _, err := m.Sbrk(-1); err == nil {
		t.Error("Sbrk below static end should fail")
	}
}

func TestTranslateBounds(t *testing.T) {
	m := NewDefault()

	tests := []struct {
		name    string
		addr    uint64
		size    uint64
		wantErr bool
	}{
		{"in range", 0x1000, 16, false},
		{"null", 0, 8, true},
		{"past end", m.Size() - 4, 8, true},
		{"overflow", ^uint64(0) - 2, 8, true},
		{"empty at end", m.Size(), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Translate(tt.addr, tt.size)
			if (err != nil) != tt.wantErr {
				t.Errorf("Translate(0x%x, %d) error = %v, wantErr %v", tt.addr, tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestReadWrite64(t *testing.T) {
	m := NewDefault()
	if err := m.Write64(0x2000, 0xdeadbeefcafef00d); err != nil {
		t.Fatalf("Write64 failed: %v", err)
	}
	got, err := m.Read64(0x2000)
	if err != nil {
		t.Fatalf("Read64 failed: %v", err)
	}
	if got != 0xdeadbeefcafef00d {
		t.Errorf("Read64 = 0x%x", got)
	}
	if m.Word(0x2000) != got {
		t.Errorf("Word disagrees with Read64")
	}
}

func TestNewRejectsBadLayout(t *testing.T) {
	if _, err := New(1024, 2048, 4096); !errors.Is(err, ErrInvalidLayout) {
		t.Errorf("New with static end past ceiling error = %v", err)
	}
}
