package ids

import "testing"

func TestNew_SortableAndUnique(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		if !Valid(next) {
			t.Fatalf("expected %s to be valid", next)
		}
		prev = next
	}
}

func TestValid_RejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "abc", "not-a-ulid-not-a-ulid-not-a"} {
		if Valid(s) {
			t.Fatalf("expected %q to be invalid", s)
		}
	}
}
