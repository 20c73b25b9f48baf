package ksck

import "testing"

func TestMatchesAnyPattern(t *testing.T) {
	cases := []struct {
		patterns []string
		name     string
		want     bool
	}{
		{nil, "anything", true},
		{[]string{}, "anything", true},
		{[]string{"foo"}, "foo", true},
		{[]string{"foo"}, "foobar", false},
		{[]string{"foo*"}, "foobar", true},
		{[]string{"a*", "b*"}, "baz", true},
		{[]string{"a*", "b*"}, "caz", false},
		{[]string{"[invalid"}, "x", false},
	}
	for _, c := range cases {
		if got := matchesAnyPattern(c.patterns, c.name); got != c.want {
			t.Fatalf("matchesAnyPattern(%v, %q) = %v, want %v", c.patterns, c.name, got, c.want)
		}
	}
}

func TestContainsID(t *testing.T) {
	if !containsID(nil, "x") {
		t.Fatal("empty filter must match every id")
	}
	if !containsID([]string{"a", "b"}, "b") {
		t.Fatal("exact id must match")
	}
	if containsID([]string{"a", "b"}, "ab") {
		t.Fatal("ids must not glob-match")
	}
}
