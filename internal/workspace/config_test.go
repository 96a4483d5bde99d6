package workspace

import "testing"

func TestSlugLowercasesAndCollapses(t *testing.T) {
	cases := map[string]string{
		"Fix   Login Bug":       "fix-login-bug",
		"Add OAuth2.0 Support!": "add-oauth2-0-support",
		"already-slug":          "already-slug",
		"":                      "task",
		"---":                   "task",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSlugTruncatesToTwentyCharacters(t *testing.T) {
	got := slug("this title is extremely long and should be truncated")
	if len(got) > 20 {
		t.Errorf("slug result %q is %d characters, want <= 20", got, len(got))
	}
}

func TestBranchNameFormat(t *testing.T) {
	got := BranchName(42, "Fix Login Bug")
	want := "task-42-fix-login-bug"
	if got != want {
		t.Errorf("BranchName() = %q, want %q", got, want)
	}
}
