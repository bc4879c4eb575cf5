package classkey

import "testing"

func TestOverlaps(t *testing.T) {
	cases := []struct {
		name string
		a, b Key
		want bool
	}{
		{"same section", Key{"CS", 2, "A"}, Key{"CS", 2, "A"}, true},
		{"different section", Key{"CS", 2, "A"}, Key{"CS", 2, "B"}, false},
		{"wildcard left", Key{"CS", 2, ""}, Key{"CS", 2, "B"}, true},
		{"wildcard right", Key{"CS", 2, "A"}, Key{"CS", 2, ""}, true},
		{"both wildcard", Key{"CS", 2, ""}, Key{"CS", 2, ""}, true},
		{"different year", Key{"CS", 2, "A"}, Key{"CS", 3, "A"}, false},
		{"different department", Key{"CS", 2, "A"}, Key{"EE", 2, "A"}, false},
		{"case-insensitive department", Key{"cs", 2, "A"}, Key{"CS", 2, "A"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Overlaps(tc.b); got != tc.want {
				t.Fatalf("Overlaps(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
			// overlap is symmetric
			if got := tc.b.Overlaps(tc.a); got != tc.want {
				t.Fatalf("Overlaps(%v, %v) = %v, want %v", tc.b, tc.a, got, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := (Key{Department: "CS", Year: 2}).Validate(); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if err := (Key{Department: "", Year: 2}).Validate(); err == nil {
		t.Fatal("missing department accepted")
	}
	if err := (Key{Department: "CS", Year: 0}).Validate(); err == nil {
		t.Fatal("zero year accepted")
	}
}

func TestTopic(t *testing.T) {
	if got := (Key{"CS", 2, "A"}).Topic(); got != "class:CS:2:A" {
		t.Fatalf("topic = %q", got)
	}
	if got := (Key{"CS", 2, ""}).Topic(); got != "class:CS:2:*" {
		t.Fatalf("wildcard topic = %q", got)
	}
}
