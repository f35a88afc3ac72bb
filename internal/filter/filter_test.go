package filter_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/niagara-mcp/niagara-mcp/internal/filter"
)

func TestValidateAccepts(t *testing.T) {
	tt := []string{
		"point and temp and sensor",
		"point",
		"point and zone==101",
		"alarm and priority < 3",
		"point and curVal >= 72.5°F",
		"point and equipRef==@p:demo:r:1",
		"id==@a or id==@b or id==@c",
		"(alarm) and (not acked)",
		"not point",
		"site and dis==\"Main \\\"HQ\\\"\"",
		"equip and siteRef->area > 1000ft²",
		"his and hisEnd < 2024-01-31",
		"point and occ==true",
		"point and kind != \"Bool\"",
		"point and tz==`http://x/y`",
		"((a or b) and (c or not d))",
		"point and unit==^degF",
		"point and curVal > -5",
	}
	for _, f := range tt {
		t.Run(f, func(t *testing.T) {
			got, err := filter.Validate(f)
			if err != nil {
				t.Fatal(err)
			}
			if got != f {
				t.Errorf("filter must be forwarded verbatim, got %q", got)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tt := map[string]string{
		"unbalanced open":   "point and (temp and sensor",
		"unbalanced close":  "point and temp)",
		"empty":             "   ",
		"empty parens":      "()",
		"dangling and":      "point and",
		"leading or":        "or point",
		"missing value":     "zone==",
		"bad operator":      "zone=101",
		"bang only":         "zone!101",
		"value as term":     "point and 101",
		"control char":      "point\nand temp",
		"tab":               "point\tand temp",
		"unterminated str":  `dis=="abc`,
		"unterminated uri":  "u==`abc",
		"empty ref":         "id==@",
		"keyword as tag":    "point and and",
		"not without path":  "not (point)",
		"bad arrow":         "equipRef-> and x",
		"bad char":          "point & temp",
		"adjacent terms":    "point temp",
		"compare two names": "a == b",
	}
	for name, f := range tt {
		t.Run(name, func(t *testing.T) {
			_, err := filter.Validate(f)
			var vErr *filter.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError for %q, got %v", f, err)
			}
		})
	}
}

func TestValidateMaxLen(t *testing.T) {
	v := filter.Validator{MaxLen: 16}
	if _, err := v.Validate("point and sensor"); err != nil {
		t.Fatalf("16 bytes must pass: %v", err)
	}
	_, err := v.Validate("point and sensors")
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("expected length error, got %v", err)
	}
}

func TestBuilders(t *testing.T) {
	if got, want := filter.IDs([]string{"@a", "b", " "}), "id==@a or id==@b"; got != want {
		t.Errorf("IDs = %q, want %q", got, want)
	}
	if got, want := filter.RefEquals("equipRef", "@e1"), "equipRef==@e1"; got != want {
		t.Errorf("RefEquals = %q, want %q", got, want)
	}
	if got, want := filter.And("alarm", "", "not acked"), "(alarm) and (not acked)"; got != want {
		t.Errorf("And = %q, want %q", got, want)
	}
	if got, want := filter.And("alarm"), "alarm"; got != want {
		t.Errorf("And = %q, want %q", got, want)
	}
	if got, want := filter.And("alarm", filter.Not("acked")), "(alarm) and (not acked)"; got != want {
		t.Errorf("And(Not) = %q, want %q", got, want)
	}
	for _, f := range []string{filter.IDs([]string{"p:1", "p:2"}), filter.And("point", filter.RefEquals("equipRef", "e"))} {
		if _, err := filter.Validate(f); err != nil {
			t.Errorf("built filter %q must validate: %v", f, err)
		}
	}
}
