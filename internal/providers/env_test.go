package providers

import "testing"

func TestGetenvHelpers(t *testing.T) {
	t.Setenv("WBT_STR", "  value ")
	t.Setenv("WBT_BLANK", "   ")
	t.Setenv("WBT_INT", "42")
	t.Setenv("WBT_BAD_INT", "4x")
	t.Setenv("WBT_FLOAT", "0.5")
	t.Setenv("WBT_BOOL", "Yes")
	t.Setenv("WBT_BAD_BOOL", "maybe")

	if got := Getenv("WBT_STR", "fallback"); got != "value" {
		t.Errorf("Getenv = %q", got)
	}
	if got := Getenv("WBT_BLANK", "fallback"); got != "fallback" {
		t.Errorf("blank Getenv = %q", got)
	}
	if got := GetenvInt("WBT_INT", 1); got != 42 {
		t.Errorf("GetenvInt = %d", got)
	}
	if got := GetenvInt("WBT_BAD_INT", 1); got != 1 {
		t.Errorf("bad GetenvInt = %d", got)
	}
	if got := GetenvInt("WBT_UNSET", 7); got != 7 {
		t.Errorf("unset GetenvInt = %d", got)
	}
	if got := GetenvFloat("WBT_FLOAT", 1); got != 0.5 {
		t.Errorf("GetenvFloat = %v", got)
	}
	if !GetenvBool("WBT_BOOL", false) {
		t.Error("expected Yes to parse as true")
	}
	if !GetenvBool("WBT_BAD_BOOL", true) {
		t.Error("expected fallback for unparseable bool")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := FirstNonEmpty("", "  ", " b ", "c"); got != "b" {
		t.Errorf("FirstNonEmpty = %q", got)
	}
	if got := FirstNonEmpty(); got != "" {
		t.Errorf("FirstNonEmpty() = %q", got)
	}
}
