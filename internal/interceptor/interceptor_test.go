package interceptor_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/niagara-mcp/niagara-mcp/internal/interceptor"
)

func TestLoad(t *testing.T) {
	p, err := interceptor.Load("./testdata/limit_setpoints.go")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected a policy")
	}

	type testCase struct {
		id      string
		value   any
		level   int
		allowed bool
	}
	tt := map[string]testCase{
		"allowed setpoint":    {id: "@zone1.coolSp", value: 72.0, level: 16, allowed: true},
		"non numeric":         {id: "@fan.cmd", value: true, level: 16, allowed: true},
		"release":             {id: "@zone1.coolSp", value: nil, level: 10, allowed: true},
		"setpoint too high":   {id: "@zone1.coolSp", value: 99.0, level: 16},
		"operator level":      {id: "@zone1.coolSp", value: 72.0, level: 1},
		"other point any val": {id: "@damper.pos", value: 100.0, level: 16, allowed: true},
	}
	for name, tc := range tt {
		t.Run(name, func(t *testing.T) {
			err := p.BeforeWrite(tc.id, tc.value, tc.level)
			if tc.allowed && err != nil {
				t.Errorf("expected write allowed, got %v", err)
			}
			if !tc.allowed && !errors.Is(err, interceptor.ErrRejected) {
				t.Errorf("expected ErrRejected, got %v", err)
			}
		})
	}

	if err := p.AfterWrite("@zone1.coolSp", 72.0, 16, errors.New("point already at value")); err != nil {
		t.Errorf("expect nil error, got %v", err)
	}
	boom := errors.New("boom")
	if err := p.AfterWrite("@zone1.coolSp", 72.0, 16, boom); err == nil || err.Error() != "boom" {
		t.Errorf("expected error passed through, got %v", err)
	}
}

func TestNilPolicyAllows(t *testing.T) {
	var p *interceptor.Policy
	if err := p.BeforeWrite("@p", 1.0, 1); err != nil {
		t.Errorf("nil policy must allow, got %v", err)
	}
	boom := errors.New("boom")
	if err := p.AfterWrite("@p", 1.0, 1, boom); err != boom {
		t.Errorf("nil policy must pass the error through, got %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	if _, err := interceptor.Load(filepath.Join(dir, "missing.go")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := write("bad.go", "package policy\n\nfunc Before(id string) bool { return true }\n")
	if _, err := interceptor.Load(bad); err == nil {
		t.Error("expected signature error")
	}
	empty := write("empty.go", "package policy\n\nfunc helper() {}\n")
	p, err := interceptor.Load(empty)
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Error("expected nil policy for a script without hooks")
	}
}
