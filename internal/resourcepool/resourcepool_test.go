package resourcepool

import (
	"testing"

	"github.com/chuliyu/taskkernel/internal/errorkit"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
	"github.com/stretchr/testify/assert"
)

func TestAllocateFractionalSharedResource(t *testing.T) {
	p := New()
	ok := p.Allocate("a", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 0.5}})
	assert.True(t, ok)
	assert.Equal(t, 0.5, p.Utilization()["gpu"])

	ok = p.Allocate("b", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 0.5}})
	assert.True(t, ok)
	assert.Equal(t, 1.0, p.Utilization()["gpu"])
}

func TestAllocateRefusesOverCommit(t *testing.T) {
	p := New()
	require := assert.New(t)
	require.True(p.Allocate("a", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 0.6}}))
	require.False(p.Allocate("b", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 0.6}}))
}

func TestAllocateIsAllOrNothing(t *testing.T) {
	p := New()
	assert.True(t, p.Allocate("a", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 1.0}}))

	ok := p.Allocate("b", []kerneltypes.ResourceRequirement{
		{Class: "cpu", Amount: 0.1},
		{Class: "gpu", Amount: 0.1},
	})
	assert.False(t, ok, "one unsatisfiable requirement must block the whole multi-class request")
	assert.Equal(t, float64(0), p.Utilization()["cpu"], "cpu must not be partially committed")
}

func TestExclusiveAllocationBlocksConcurrentHolders(t *testing.T) {
	p := New()
	ok := p.Allocate("a", []kerneltypes.ResourceRequirement{{Class: "usb0", Exclusive: true}})
	assert.True(t, ok)

	ok = p.Allocate("b", []kerneltypes.ResourceRequirement{{Class: "usb0", Amount: 0.01}})
	assert.False(t, ok)
}

func TestReleaseReturnsCapacity(t *testing.T) {
	p := New()
	p.Allocate("a", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 0.7}})
	p.Release("a")
	assert.Equal(t, float64(0), p.Utilization()["gpu"])

	ok := p.Allocate("b", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 0.9}})
	assert.True(t, ok)
}

func TestReleaseUnknownTaskIsNoop(t *testing.T) {
	p := New()
	assert.NotPanics(t, func() { p.Release("never-allocated") })
}

func TestAllocateOrErrorReturnsTypedError(t *testing.T) {
	p := New()
	p.Allocate("a", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 1.0}})

	err := p.AllocateOrError("b", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 0.5}})
	assert.ErrorIs(t, err, errorkit.ErrResourceUnavailable)
}

func TestCanAllocateDoesNotMutate(t *testing.T) {
	p := New()
	assert.True(t, p.CanAllocate([]kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 0.9}}))
	assert.Equal(t, float64(0), p.Utilization()["gpu"], "CanAllocate must be read-only")
}
