package job

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseRejectsEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "\n\n", "\t \r\n"} {
		_, err := Parse(raw)
		if !errors.Is(err, ErrNoJobData) {
			t.Errorf("Parse(%q) error = %v, want ErrNoJobData", raw, err)
		}
	}
	if ErrNoJobData.Error() != "No CSV data provided" {
		t.Errorf("client-facing message changed: %q", ErrNoJobData.Error())
	}
}

func TestParseRows(t *testing.T) {
	raw := "http://a/img.png,Widget,red,small\n\n  http://b/x.jpg , Gadget ,, blue \r\nhttp://c/only-url\n"
	j, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if j.Raw != raw {
		t.Error("Raw must be preserved verbatim")
	}

	want := []Row{
		{URL: "http://a/img.png", Name: "Widget", Tags: []string{"red", "small"}},
		{URL: "http://b/x.jpg", Name: "Gadget", Tags: []string{"blue"}},
		{URL: "http://c/only-url", Name: "", Tags: []string{}},
	}
	if !reflect.DeepEqual(j.Rows, want) {
		t.Errorf("Rows =\n%+v\nwant\n%+v", j.Rows, want)
	}
}
