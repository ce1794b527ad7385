package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_IsTerminal(t *testing.T) {
	terminal := []Status{StatusInserted, StatusFaulty, StatusRemoved, StatusDeactivated, StatusReturned}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s must be terminal", s)
	}

	open := []Status{StatusScanned, StatusLoaded, StatusInserting}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), "%s must not be terminal", s)
	}
}

func TestStatus_IsConsequential(t *testing.T) {
	assert.True(t, StatusInserted.IsConsequential())
	assert.True(t, StatusFaulty.IsConsequential())
	assert.False(t, StatusRemoved.IsConsequential())
	assert.False(t, StatusScanned.IsConsequential())
}

func TestCategoryForTreatmentType(t *testing.T) {
	assert.Equal(t, CategorySeedImplant, CategoryForTreatmentType("seed_implant"))
	assert.Equal(t, CategorySurface, CategoryForTreatmentType("surface"))
	assert.Equal(t, CategoryGeneric, CategoryForTreatmentType("something-else"))
	assert.Equal(t, CategoryGeneric, CategoryForTreatmentType(""))
}

func TestPendingChange_VerifyHash(t *testing.T) {
	payload := []byte(`{"status":"inserted"}`)
	c := PendingChange{Payload: payload, ChangeHash: ComputeChangeHash(payload)}
	assert.True(t, c.VerifyHash())

	c.Payload = []byte(`{"status":"faulty"}`)
	assert.False(t, c.VerifyHash())
}
