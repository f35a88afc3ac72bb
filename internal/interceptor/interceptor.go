// Package interceptor loads a Go script evaluated by yaegi that can veto or
// adjust point writes before they reach the station.
//
// The script is a package named policy declaring either or both of:
//
//	func Before(id string, value any, level int) error
//	func After(id string, value any, level int, err error) error
package interceptor

import (
	"errors"
	"fmt"
	"os"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

var Symbols = stdlib.Symbols

// ErrRejected wraps every error returned by a policy Before hook.
var ErrRejected = errors.New("write rejected by policy")

type beforeFn func(id string, value any, level int) error

type afterFn func(id string, value any, level int, err error) error

// Policy guards point writes. A nil *Policy allows everything.
type Policy struct {
	name   string
	before beforeFn
	after  afterFn
}

// Load evaluates the script at filename. It returns a nil Policy when the
// script declares no hook.
func Load(filename string) (*Policy, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	i := interp.New(interp.Options{})
	if err := i.Use(Symbols); err != nil {
		return nil, err
	}
	if _, err := i.Eval(string(src)); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	var (
		before beforeFn
		after  afterFn
		ok     bool
	)
	if v, err := i.Eval("policy.Before"); err == nil {
		before, ok = v.Interface().(func(string, any, int) error)
		if !ok {
			return nil, fmt.Errorf("%s: invalid policy.Before signature", filename)
		}
	}
	if v, err := i.Eval("policy.After"); err == nil {
		after, ok = v.Interface().(func(string, any, int, error) error)
		if !ok {
			return nil, fmt.Errorf("%s: invalid policy.After signature", filename)
		}
	}
	if before == nil && after == nil {
		return nil, nil
	}
	return &Policy{name: filename, before: before, after: after}, nil
}

func (p *Policy) Name() string {
	if p == nil {
		return ""
	}
	return p.name
}

// BeforeWrite returns an error wrapping ErrRejected when the write must not
// be sent.
func (p *Policy) BeforeWrite(id string, value any, level int) error {
	if p == nil || p.before == nil {
		return nil
	}
	if err := p.before(id, value, level); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRejected, id, err)
	}
	return nil
}

// AfterWrite receives the outcome of the write and returns the error to
// report, possibly nil.
func (p *Policy) AfterWrite(id string, value any, level int, err error) error {
	if p == nil || p.after == nil {
		return err
	}
	return p.after(id, value, level, err)
}
