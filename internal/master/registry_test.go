package master

import (
	"testing"

	"batchpress/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_FindIdlePrefersLowestID(t *testing.T) {
	r := NewRegistry(3)

	id, ok := r.FindIdle()
	assert.True(t, ok)
	assert.Equal(t, 0, id)

	r.SetStatus(0, domain.WorkerStatusBusy)
	id, ok = r.FindIdle()
	assert.True(t, ok)
	assert.Equal(t, 1, id)
}

func TestRegistry_ErrorWorkersStayAssignable(t *testing.T) {
	r := NewRegistry(2)
	r.SetStatus(0, domain.WorkerStatusError)
	r.SetStatus(1, domain.WorkerStatusIdle)

	id, ok := r.FindIdle()
	assert.True(t, ok)
	assert.Equal(t, 0, id)
}

func TestRegistry_SkipsRetiringAndTerminated(t *testing.T) {
	r := NewRegistry(3)
	r.SetStatus(0, domain.WorkerStatusTerminated)
	r.Get(1).retiring = true
	r.SetStatus(2, domain.WorkerStatusBusy)

	_, ok := r.FindIdle()
	assert.False(t, ok)

	live := r.Live()
	assert.Len(t, live, 2)
	assert.Equal(t, 1, live[0].ID)
}

func TestRegistry_Counts(t *testing.T) {
	r := NewRegistry(4)
	r.SetStatus(1, domain.WorkerStatusBusy)
	r.SetStatus(2, domain.WorkerStatusBusy)
	r.Get(2).job = &domain.Job{Filename: "a"}

	assert.Equal(t, 4, r.Len())
	assert.Equal(t, 2, r.Count(domain.WorkerStatusIdle))
	assert.Equal(t, 2, r.Count(domain.WorkerStatusBusy))
	assert.Equal(t, 1, r.InFlight())
	assert.Equal(t, "a", r.Get(2).Job().Filename)
	assert.Nil(t, r.Get(0).Job())
}
