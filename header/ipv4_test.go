package header

import "testing"

func TestIPv4FlagsFragmentOffsetRoundTrip(t *testing.T) {
	b := make(IPv4, IPv4MinimumSize)
	b.SetFlagsFragmentOffset(IPv4FlagMoreFragments, 8192)

	if got := b.Flags(); got != IPv4FlagMoreFragments {
		t.Fatalf("Flags() = %#x, want %#x", got, IPv4FlagMoreFragments)
	}
	if got := b.FragmentOffset(); got != 8192 {
		t.Fatalf("FragmentOffset() = %d, want %d", got, 8192)
	}
}

func TestIPv4FlagsFragmentOffsetZero(t *testing.T) {
	b := make(IPv4, IPv4MinimumSize)
	b.SetFlagsFragmentOffset(0, 0)

	if got := b.Flags(); got != 0 {
		t.Fatalf("Flags() = %#x, want 0", got)
	}
	if got := b.FragmentOffset(); got != 0 {
		t.Fatalf("FragmentOffset() = %d, want 0", got)
	}
}
