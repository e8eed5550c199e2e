package rules_test

import (
	"testing"

	"github.com/roach88/qrewrite/internal/rules"
	"github.com/roach88/qrewrite/internal/rules/rulestest"
)

func TestMemoryContract(t *testing.T) {
	rulestest.Run(t, func(t *testing.T, limits rules.Limits) rules.Store {
		return rules.NewMemory(limits)
	})
}
