//go:build tools

// Package tools фиксирует в go.mod инструменты для go generate (mockgen).
package elearning

import (
	_ "go.uber.org/mock/mockgen"
)
