package agent

import "testing"

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Fix the failing tests", "fix-the-failing-tests"},
		{"  leading and trailing  ", "leading-and-trailing"},
		{"a!!b??c", "a-b-c"},
	}
	for _, c := range cases {
		if got := slugify(c.in); got != c.want {
			t.Errorf("slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSlugify_TruncatedTo50(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := slugify(long)
	if len(got) > 50 {
		t.Fatalf("expected slug truncated to 50 characters, got %d", len(got))
	}
}

func TestTaskBranchName_HasExpectedPrefix(t *testing.T) {
	name := taskBranchName("fix the failing tests")
	const prefix = "claude-mobile/fix-the-failing-tests-"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		t.Fatalf("expected branch name to start with %q, got %q", prefix, name)
	}
}
