package sbpf

import (
	"errors"
	"testing"
)

// TestRegisterFile tests get, set and reset.
func TestRegisterFile(t *testing.T) {
	var rf RegisterFile

	for id := uint8(0); id < NumRegisters; id++ {
		if err := rf.Set(id, uint64(id)*10); err != nil {
			t.Fatalf("Set(r%d) failed: %v", id, err)
		}
	}

	for id := uint8(0); id < NumRegisters; id++ {
		v, err := rf.Get(id)
		if err != nil {
			t.Fatalf("Get(r%d) failed: %v", id, err)
		}
		if v != uint64(id)*10 {
			t.Errorf("Get(r%d) = %d, want %d", id, v, id*10)
		}
	}

	rf.SetPC(7)
	rf.Reset()
	if rf.PC() != 0 {
		t.Errorf("PC() after Reset = %d, want 0", rf.PC())
	}
	if v, _ := rf.Get(5); v != 0 {
		t.Errorf("Get(r5) after Reset = %d, want 0", v)
	}
}

// TestRegisterFileInvalidIndex checks that r11 and above are rejected.
func TestRegisterFileInvalidIndex(t *testing.T) {
	var rf RegisterFile

	if _, err := rf.Get(11); !errors.Is(err, ErrInvalidRegister) {
		t.Errorf("Get(11) = %v, want ErrInvalidRegister", err)
	}
	if err := rf.Set(11, 1); !errors.Is(err, ErrInvalidRegister) {
		t.Errorf("Set(11) = %v, want ErrInvalidRegister", err)
	}
	if err := rf.Set(255, 1); !errors.Is(err, ErrInvalidRegister) {
		t.Errorf("Set(255) = %v, want ErrInvalidRegister", err)
	}
}
