package gas

import (
	"errors"
	"testing"
)

func TestMeter_Consume(t *testing.T) {
	m := NewMeter(1000)

	if err := m.Consume(400, "read"); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	if m.Consumed() != 400 {
		t.Errorf("consumed = %d, want 400", m.Consumed())
	}
	if m.Remaining() != 600 {
		t.Errorf("remaining = %d, want 600", m.Remaining())
	}
}

func TestMeter_OutOfGasExhausts(t *testing.T) {
	m := NewMeter(1000)
	_ = m.Consume(100, "read")

	err := m.Consume(901, "write")
	if !errors.Is(err, ErrOutOfGas) {
		t.Fatalf("got %v, want ErrOutOfGas", err)
	}

	if m.Consumed() != 1000 {
		t.Errorf("consumed = %d after OOG, want 1000", m.Consumed())
	}
	if m.Remaining() != 0 {
		t.Errorf("remaining = %d after OOG, want 0", m.Remaining())
	}
}

func TestMeter_ExactLimit(t *testing.T) {
	m := NewMeter(500)

	if err := m.Consume(500, "call"); err != nil {
		t.Errorf("consuming the exact limit failed: %v", err)
	}
}
