package chat

import "testing"

func TestParseProviderKind(t *testing.T) {
	cases := map[string]ProviderKind{
		"deepseek":    ProviderDeepSeek,
		" OpenAI ":    ProviderOpenAI,
		"anthropic":   ProviderAnthropic,
		"GOOGLE":      ProviderGoogle,
	}
	for in, want := range cases {
		got, err := ParseProviderKind(in)
		if err != nil {
			t.Fatalf("ParseProviderKind(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseProviderKind(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseProviderKind("mistral"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := ParseProviderKind(""); err == nil {
		t.Fatal("expected error for empty provider")
	}
}

func TestRoleValid(t *testing.T) {
	for _, r := range []Role{RoleUser, RoleAssistant, RoleSystem} {
		if !r.Valid() {
			t.Fatalf("%q should be valid", r)
		}
	}
	if Role("tool").Valid() {
		t.Fatal("tool role should not be valid")
	}
}

func TestRedactKey(t *testing.T) {
	if got := RedactKey("sk-abcdef1234"); got != "****1234" {
		t.Fatalf("RedactKey = %q", got)
	}
	if got := RedactKey("abc"); got != "****" {
		t.Fatalf("RedactKey short = %q", got)
	}
}
