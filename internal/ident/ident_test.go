package ident

import "testing"

func TestClientIDRoundTrip(t *testing.T) {
	entry, stop, target, root := LegIDs()
	if len(root) != rootLen {
		t.Fatalf("root length = %d, want %d", len(root), rootLen)
	}
	tests := []struct {
		id   string
		role Role
	}{
		{entry, RoleEntry},
		{stop, RoleStop},
		{target, RoleTarget},
		{ClientID(RoleClose, root), RoleClose},
		{ClientID(RoleMargin, root), RoleMargin},
	}
	for _, tt := range tests {
		parsed, ok := ParseClientID(tt.id)
		if !ok {
			t.Fatalf("ParseClientID(%q) not recognized", tt.id)
		}
		if parsed.Role != tt.role || parsed.Root != root {
			t.Fatalf("ParseClientID(%q) = %+v, want role %s root %s", tt.id, parsed, tt.role, root)
		}
	}
}

func TestParseClientIDRejects(t *testing.T) {
	for _, id := range []string{
		"",
		"web_abc123",
		"fcx-xx-abc123",
		"fcx-en-",
		"fcx-en",
		"other-sl-abc123",
	} {
		if _, ok := ParseClientID(id); ok {
			t.Fatalf("ParseClientID(%q) should be rejected", id)
		}
	}
	// roots may themselves never contain '-', but foreign ids with extra
	// separators still decode by taking the remainder as the root
	parsed, ok := ParseClientID("fcx-sl-abc-def")
	if !ok || parsed.Root != "abc-def" {
		t.Fatalf("remainder root not preserved: %+v ok=%v", parsed, ok)
	}
}

func TestNewRootUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		r := NewRoot()
		if seen[r] {
			t.Fatalf("duplicate root %q", r)
		}
		seen[r] = true
	}
}
