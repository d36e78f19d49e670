package pipeline

import (
	"strings"

	"github.com/go-arcade/pipesim/pkg/condition"
)

// Built-in fact suffixes merged when a stage finishes. The full key is
// "<stage id><suffix>", e.g. "build.success".
const (
	FactSuccess    = ".success"
	FactExitCode   = ".exitCode"
	FactAttempts   = ".attempts"
	FactOutcome    = ".outcome"
	FactRolledBack = ".rolledBack"
)

var builtinFactKinds = map[string]condition.Kind{
	FactSuccess:    condition.KindBool,
	FactExitCode:   condition.KindNumber,
	FactAttempts:   condition.KindNumber,
	FactOutcome:    condition.KindString,
	FactRolledBack: condition.KindBool,
}

// FactKey returns the key of a built-in fact for a stage.
func FactKey(stageID, suffix string) string {
	return stageID + suffix
}

// splitBuiltinFact splits "<stage><suffix>" when suffix is a built-in fact.
func splitBuiltinFact(key string) (stageID string, kind condition.Kind, ok bool) {
	i := strings.LastIndexByte(key, '.')
	if i <= 0 {
		return "", condition.KindAbsent, false
	}
	kind, ok = builtinFactKinds[key[i:]]
	if !ok {
		return "", condition.KindAbsent, false
	}
	return key[:i], kind, true
}

func builtinFacts(id string, st StageState) condition.Facts {
	return condition.Facts{
		FactKey(id, FactSuccess):  condition.Bool(st.Outcome == OutcomeSucceeded),
		FactKey(id, FactExitCode): condition.Number(float64(st.ExitCode)),
		FactKey(id, FactAttempts): condition.Number(float64(st.Attempts)),
		FactKey(id, FactOutcome):  condition.String(string(st.Outcome)),
	}
}
