// Package aml defines the anti-money-laundering gate consulted by the
// withdrawal router, and a few concrete screening rules.
package aml

import (
	"context"

	cbus "github.com/next-trace/scg-banker/contract/bus"
)

// Verdict is the outcome of screening one command.
type Verdict struct {
	Passed bool
	Reason string
}

// Pass returns a passing verdict.
func Pass() Verdict { return Verdict{Passed: true} }

// Fail returns a failing verdict carrying reason.
func Fail(reason string) Verdict { return Verdict{Reason: reason} }

// Checker screens a command. An error means the screening itself could not be
// performed and is distinct from a failing verdict. Verdicts are never cached.
type Checker interface {
	Check(ctx context.Context, msg cbus.Message) (Verdict, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, msg cbus.Message) (Verdict, error)

func (f CheckerFunc) Check(ctx context.Context, msg cbus.Message) (Verdict, error) { return f(ctx, msg) }

// AllowAll passes every command.
type AllowAll struct{}

func (AllowAll) Check(context.Context, cbus.Message) (Verdict, error) { return Pass(), nil }

type chain []Checker

// Chain runs checkers in order and returns the first failing verdict or error.
// An empty chain passes.
func Chain(checkers ...Checker) Checker { //nolint:ireturn
	return chain(append([]Checker(nil), checkers...))
}

func (c chain) Check(ctx context.Context, msg cbus.Message) (Verdict, error) {
	for _, ch := range c {
		v, err := ch.Check(ctx, msg)
		if err != nil {
			return Verdict{}, err
		}

		if !v.Passed {
			return v, nil
		}
	}

	return Pass(), nil
}
