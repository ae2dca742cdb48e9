package domain_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgrid/evalgrid/internal/domain"
)

func TestCanTransition_ForwardPath(t *testing.T) {
	assert.True(t, domain.CanTransition(domain.StatusSubmitted, domain.StatusQueued))
	assert.True(t, domain.CanTransition(domain.StatusQueued, domain.StatusProvisioning))
	assert.True(t, domain.CanTransition(domain.StatusProvisioning, domain.StatusRunning))
	assert.True(t, domain.CanTransition(domain.StatusRunning, domain.StatusCompleted))
	assert.True(t, domain.CanTransition(domain.StatusRunning, domain.StatusFailed))
	assert.True(t, domain.CanTransition(domain.StatusRunning, domain.StatusTimeout))
}

func TestCanTransition_TerminalIsSticky(t *testing.T) {
	terminals := []domain.EvaluationStatus{
		domain.StatusCompleted, domain.StatusFailed, domain.StatusTimeout, domain.StatusCancelled,
	}
	for _, from := range terminals {
		assert.False(t, domain.CanTransition(from, domain.StatusRunning), "from %s", from)
		assert.False(t, domain.CanTransition(from, domain.StatusCancelled), "from %s", from)
		assert.True(t, domain.CanTransition(from, from), "duplicate delivery for %s must stay a no-op", from)
	}
}

func TestCanTransition_CancelFromAnyNonTerminal(t *testing.T) {
	for _, from := range []domain.EvaluationStatus{
		domain.StatusSubmitted, domain.StatusQueued, domain.StatusProvisioning, domain.StatusRunning,
	} {
		assert.True(t, domain.CanTransition(from, domain.StatusCancelled), "from %s", from)
	}
}

func TestCanTransition_NoBackwardEdges(t *testing.T) {
	assert.False(t, domain.CanTransition(domain.StatusRunning, domain.StatusQueued))
	assert.False(t, domain.CanTransition(domain.StatusProvisioning, domain.StatusSubmitted))
	assert.False(t, domain.CanTransition(domain.StatusQueued, domain.StatusRunning))
}

func TestNewEvaluationID_Format(t *testing.T) {
	now := time.Date(2026, 8, 25, 13, 4, 5, 0, time.UTC)
	id := domain.NewEvaluationID(now)
	require.Regexp(t, regexp.MustCompile(`^20260825_130405_[0-9a-f]{8}$`), id)

	other := domain.NewEvaluationID(now)
	assert.NotEqual(t, id, other, "hex suffix must make ids unique")
}

func TestJobNameFor_Deterministic(t *testing.T) {
	id := "20260825_130405_a1b2c3d4"
	name := domain.JobNameFor(id)
	assert.Equal(t, name, domain.JobNameFor(id))
	assert.Regexp(t, regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`), name)
	assert.LessOrEqual(t, len(name), 29) // 20 chars + dash + 8 hex
	assert.NotContains(t, name, "_")
}

func TestJobNameFor_DistinctIDsDistinctNames(t *testing.T) {
	a := domain.JobNameFor("20260825_130405_aaaaaaaa")
	b := domain.JobNameFor("20260825_130405_bbbbbbbb")
	assert.NotEqual(t, a, b)
}

func TestHashCode(t *testing.T) {
	h := domain.HashCode(`print("Hello, World!")`)
	assert.Len(t, h, 64)
	assert.Equal(t, h, domain.HashCode(`print("Hello, World!")`))
}
