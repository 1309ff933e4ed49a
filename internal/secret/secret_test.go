package secret

import "testing"

func TestReleaseZeroesBuffer(t *testing.T) {
	s := FromString("hunter2")
	b := s.Bytes()

	s.Release()

	for i, c := range b {
		if c != 0 {
			t.Fatalf("byte %d not zeroed: %v", i, b)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := FromString("hunter2")
	clone := s.Clone()

	s.Release()

	if clone.String() != "hunter2" {
		t.Fatalf("clone was affected by original's release: %q", clone.String())
	}
	clone.Release()
}
