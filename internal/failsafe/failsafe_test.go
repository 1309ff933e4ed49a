package failsafe

import "testing"

func TestAnyModifierHeld(t *testing.T) {
	if anyModifierHeld(map[int]bool{keyESC: true}) {
		t.Fatal("expected false with no modifier held")
	}
	if !anyModifierHeld(map[int]bool{keyLeftCtrl: true}) {
		t.Fatal("expected true with LeftCtrl held")
	}
	if !anyModifierHeld(map[int]bool{keyRightShift: true}) {
		t.Fatal("expected true with RightShift held")
	}
}

func TestEviocgkeyEncodesReadDirectionAndSize(t *testing.T) {
	req := eviocgkey(96)
	// dir=_IOC_READ(2) in bits 30-31, type='E' in bits 8-15, nr=0x18 in bits 0-7, size in bits 16-29.
	if req>>30 != 2 {
		t.Fatalf("expected _IOC_READ direction, got %#x", req)
	}
	if (req>>8)&0xff != uintptr('E') {
		t.Fatalf("expected type 'E', got %#x", (req>>8)&0xff)
	}
	if req&0xff != 0x18 {
		t.Fatalf("expected nr 0x18, got %#x", req&0xff)
	}
	if (req>>16)&0x3fff != 96 {
		t.Fatalf("expected size 96, got %d", (req>>16)&0x3fff)
	}
}
