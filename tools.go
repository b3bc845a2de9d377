//go:build tools

// Package tools pins go:generate tooling (mockgen) in go.mod.
package roomcast

import (
	_ "go.uber.org/mock/mockgen"
)
