package resources

import (
	"strings"
	"testing"

	"golang.org/x/text/language"
)

func TestGetFormatsArguments(t *testing.T) {
	got := Default.Get(CreationInProgress, "dev-box")
	if got != "Creating virtual machine dev-box" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestLocaleSelection(t *testing.T) {
	es := New("es-MX")
	if got := es.Get(OperationCanceled); got != "La operación se canceló" {
		t.Errorf("unexpected spanish message: %q", got)
	}

	fallback := New("not a locale")
	if got := fallback.Get(OperationInProgress); got != "An operation is already in progress" {
		t.Errorf("unexpected fallback message: %q", got)
	}
}

func TestEveryKeyTranslated(t *testing.T) {
	english := translations[language.English]
	for tag, messages := range translations {
		for key := range english {
			if _, ok := messages[key]; !ok {
				t.Errorf("%s missing key %s", tag, key)
			}
		}
	}
	if !strings.Contains(Default.Get(ComputeSystemUnexpectedError, "vm1"), "vm1") {
		t.Error("expected display name in error message")
	}
}
