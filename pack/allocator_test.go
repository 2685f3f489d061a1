package pack_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/gpu/fakegpu"
	"github.com/vkngwrapper/vkpack/memutils"
	"github.com/vkngwrapper/vkpack/pack"
	"golang.org/x/exp/slog"
)

func newAllocator(t *testing.T, options fakegpu.Options) (*fakegpu.Device, *pack.Allocator) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	device := fakegpu.New(options)

	allocator, err := pack.New(logger, device, pack.CreateOptions{})
	require.NoError(t, err)

	return device, allocator
}

func destroyAllocation(allocation *pack.Allocation) {
	for _, block := range allocation.Blocks {
		if block != nil {
			block.Resource().Destroy()
		}
	}
	for _, pool := range allocation.Pools {
		pool.Destroy()
	}
}

func offsets(allocation *pack.Allocation) []int {
	result := make([]int, 0, len(allocation.Blocks))
	for _, block := range allocation.Blocks {
		if block == nil {
			result = append(result, -1)
			continue
		}
		result = append(result, block.Range().Offset)
	}
	return result
}

func TestAllocateScenario(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Name: "first", Type: pack.ResourceBuffer, Size: 64, Alignment: 16, Kind: pack.MemoryKindHostVisible},
		{Name: "second", Type: pack.ResourceBuffer, Size: 100, Alignment: 64, Kind: pack.MemoryKindHostVisible},
	})
	require.NoError(t, err)
	require.Len(t, allocation.Pools, 1)

	pool := allocation.Pools[0]
	require.Equal(t, 192, pool.Capacity())
	require.Equal(t, 192, pool.HighWaterMark())
	require.Equal(t, 2, pool.Reservations())
	require.Equal(t, pack.MemoryKindHostVisible, pool.Kind())

	require.Equal(t, []int{0, 64}, offsets(allocation))
	require.Equal(t, pack.MemoryRange{Offset: 64, Size: 100}, allocation.Blocks[1].Range())
	require.Equal(t, "second", allocation.Blocks[1].Name())
	require.Same(t, pool, allocation.Blocks[0].Pool())
	require.NoError(t, pool.Validate())

	destroyAllocation(allocation)
	require.Equal(t, 0, device.LiveObjects())
}

func TestAllocateIsDeterministic(t *testing.T) {
	descriptors := []pack.ResourceDescriptor{
		{Type: pack.ResourceBuffer, Size: 17, Alignment: 8, Kind: pack.MemoryKindDeviceLocal},
		{Type: pack.ResourceBuffer, Size: 300, Alignment: 256, Kind: pack.MemoryKindHostVisible},
		{Type: pack.ResourceImage, Kind: pack.MemoryKindDeviceLocal, Image: pack.ImageParameters{
			Extent: gpu.Extent3D{Width: 16, Height: 16, Depth: 1},
			Format: gpu.FormatR8G8B8A8UNorm,
			Tiling: gpu.ImageTilingOptimal,
		}},
		{Type: pack.ResourceBuffer, Size: 5, Alignment: 1, Kind: pack.MemoryKindDeviceLocal},
		{Type: pack.ResourceBuffer, Size: 1024, Alignment: 512, Kind: pack.MemoryKindHostVisible},
	}

	var runs [][]int
	var capacities [][]int
	for i := 0; i < 3; i++ {
		_, allocator := newAllocator(t, fakegpu.Options{})
		allocation, err := allocator.Allocate(descriptors)
		require.NoError(t, err)

		runs = append(runs, offsets(allocation))
		var capacity []int
		for _, pool := range allocation.Pools {
			capacity = append(capacity, pool.Capacity())
		}
		capacities = append(capacities, capacity)
		destroyAllocation(allocation)
	}

	for i := 1; i < len(runs); i++ {
		if diff := cmp.Diff(runs[0], runs[i]); diff != "" {
			t.Errorf("run %d placed resources differently (-first +run):\n%s", i, diff)
		}
		if diff := cmp.Diff(capacities[0], capacities[i]); diff != "" {
			t.Errorf("run %d sized pools differently (-first +run):\n%s", i, diff)
		}
	}
}

func TestAllocateAlignmentAndNonOverlap(t *testing.T) {
	sizes := []int{1, 3, 4, 16, 63, 64, 65, 255, 256, 1000}
	alignments := []uint{1, 4, 16, 64, 256}

	for _, alignment := range alignments {
		t.Run(fmt.Sprintf("alignment %d", alignment), func(t *testing.T) {
			device, allocator := newAllocator(t, fakegpu.Options{})

			var descriptors []pack.ResourceDescriptor
			for _, size := range sizes {
				descriptors = append(descriptors, pack.ResourceDescriptor{
					Type:      pack.ResourceBuffer,
					Size:      size,
					Alignment: alignment,
					Kind:      pack.MemoryKindDeviceLocal,
				})
			}
			// size == alignment
			descriptors = append(descriptors, pack.ResourceDescriptor{
				Type:      pack.ResourceBuffer,
				Size:      int(alignment),
				Alignment: alignment,
				Kind:      pack.MemoryKindDeviceLocal,
			})

			allocation, err := allocator.Allocate(descriptors)
			require.NoError(t, err)
			require.Len(t, allocation.Pools, 1)
			capacity := allocation.Pools[0].Capacity()

			// buffers on the fake device require 4 byte alignment
			effective := memutils.MaxAlignment(alignment, 4)
			sum := 0
			for i, block := range allocation.Blocks {
				blockRange := block.Range()
				require.True(t, memutils.IsAligned(blockRange.Offset, alignment), "block %d at offset %d", i, blockRange.Offset)
				require.LessOrEqual(t, blockRange.End(), capacity)
				sum += memutils.AlignUp(descriptors[i].Size, effective)

				for j := 0; j < i; j++ {
					require.False(t, blockRange.Overlaps(allocation.Blocks[j].Range()), "block %d overlaps block %d", i, j)
				}
			}

			// bump placement never needs more than the padded sizes plus the alignment gaps
			require.GreaterOrEqual(t, capacity, sum)
			require.LessOrEqual(t, capacity, sum+len(descriptors)*(int(effective)+memutils.DebugMargin))

			destroyAllocation(allocation)
			require.Equal(t, 0, device.LiveObjects())
		})
	}
}

func TestAllocateGroupsByKind(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Type: pack.ResourceBuffer, Size: 128, Kind: pack.MemoryKindDeviceLocal},
		{Type: pack.ResourceBuffer, Size: 128, Kind: pack.MemoryKindHostVisible},
		{Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKindDeviceLocal},
		{Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKindHostCached},
	})
	require.NoError(t, err)
	require.Len(t, allocation.Pools, 3)

	kinds := map[pack.MemoryKind]int{}
	for _, pool := range allocation.Pools {
		kinds[pool.Kind()] = pool.MemoryTypeIndex()
	}
	require.Equal(t, map[pack.MemoryKind]int{
		pack.MemoryKindHostVisible: 1,
		pack.MemoryKindHostCached:  2,
		pack.MemoryKindDeviceLocal: 0,
	}, kinds)

	require.Equal(t, []int{0, 0, 128, 0}, offsets(allocation))
	require.Same(t, allocation.Blocks[0].Pool(), allocation.Blocks[2].Pool())
	// host cached memory is not coherent, so reservations are aligned to the atom size
	require.Equal(t, 64, allocation.Blocks[3].Pool().Capacity())

	destroyAllocation(allocation)
	require.Equal(t, 0, device.LiveObjects())
}

func TestAllocateMixedTilingsUseGranularity(t *testing.T) {
	_, allocator := newAllocator(t, fakegpu.Options{})

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Type: pack.ResourceBuffer, Size: 16, Kind: pack.MemoryKindDeviceLocal},
		{Type: pack.ResourceImage, Kind: pack.MemoryKindDeviceLocal, Image: pack.ImageParameters{
			Extent: gpu.Extent3D{Width: 4, Height: 4, Depth: 1},
			Format: gpu.FormatR8G8B8A8UNorm,
			Tiling: gpu.ImageTilingOptimal,
		}},
	})
	require.NoError(t, err)
	defer destroyAllocation(allocation)

	require.Equal(t, []int{0, 1024}, offsets(allocation))
	require.Equal(t, 2048, allocation.Pools[0].Capacity())

	image := allocation.Blocks[1].(*pack.ImageBlock)
	require.Equal(t, gpu.ImageLayoutShaderReadOnlyOptimal, image.FinalLayout())
	require.Equal(t, gpu.ImageLayoutUndefined, image.Layout())
}

func TestAllocateDynamicUniformPayload(t *testing.T) {
	_, allocator := newAllocator(t, fakegpu.Options{})

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Name: "uniforms", Type: pack.ResourceBuffer, Kind: pack.MemoryKindHostVisible, Payload: pack.Payload{
			Kind:   pack.PayloadDynamicUniform,
			Stride: 80,
			Count:  3,
		}},
	})
	require.NoError(t, err)
	defer destroyAllocation(allocation)

	buffer := allocation.Blocks[0].(*pack.BufferBlock)
	require.Equal(t, pack.Payload{Kind: pack.PayloadDynamicUniform, Stride: 256, Count: 3}, buffer.Payload())
	require.Equal(t, 768, buffer.Size())
	require.NotZero(t, buffer.Buffer().Usage()&gpu.BufferUsageUniformBuffer)

	offset, err := buffer.DynamicOffset(2)
	require.NoError(t, err)
	require.Equal(t, 512, offset)

	_, err = buffer.DynamicOffset(3)
	require.ErrorIs(t, err, pack.ErrOutOfRange)
}

func TestAllocateBindFailureKeepsSiblings(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})
	device.InjectFailure(fakegpu.FailBind, fakegpu.ErrInjected)

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Name: "broken", Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKindHostVisible},
		{Name: "fine", Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKindHostVisible},
	})
	require.Error(t, err)
	require.NotNil(t, allocation)

	var failures *pack.AllocationErrors
	require.True(t, errors.As(err, &failures))
	require.Len(t, failures.Failures, 1)
	require.Equal(t, 0, failures.Failures[0].Index)
	require.Equal(t, "broken", failures.Failures[0].Name)
	require.Nil(t, failures.Failed(1))
	require.ErrorIs(t, err, fakegpu.ErrInjected)

	require.Nil(t, allocation.Blocks[0])
	require.NotNil(t, allocation.Blocks[1])
	// the failed range stays reserved
	require.Equal(t, 64, allocation.Blocks[1].Range().Offset)
	require.Equal(t, 2, allocation.Pools[0].Reservations())

	destroyAllocation(allocation)
	require.Equal(t, 0, device.LiveObjects())
}

func TestAllocateIncompatibleMemoryType(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})
	// vertex buffers only accept device-local memory on this device
	device.RestrictMemoryTypes(gpu.BufferUsageVertexBuffer, 1<<0)

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKindHostVisible, BufferUsage: gpu.BufferUsageVertexBuffer},
		{Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKindHostVisible},
	})
	require.ErrorIs(t, err, pack.ErrNoCompatibleMemoryType)
	require.Nil(t, allocation.Blocks[0])
	require.NotNil(t, allocation.Blocks[1])
	require.Equal(t, 1, allocation.Pools[0].MemoryTypeIndex())

	destroyAllocation(allocation)
	require.Equal(t, 0, device.LiveObjects())
}

func TestAllocateInvalidDescriptor(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Type: pack.ResourceBuffer, Size: 64, Alignment: 3, Kind: pack.MemoryKindDeviceLocal},
		{Type: pack.ResourceBuffer, Size: 0, Kind: pack.MemoryKindDeviceLocal},
		{Type: pack.ResourceBuffer, Size: 32, Kind: pack.MemoryKindDeviceLocal},
	})
	require.ErrorIs(t, err, pack.ErrInvalidDescriptor)

	var failures *pack.AllocationErrors
	require.True(t, errors.As(err, &failures))
	require.Len(t, failures.Failures, 2)
	require.ErrorIs(t, failures.Failed(0), pack.ErrInvalidDescriptor)
	require.ErrorIs(t, failures.Failed(1), pack.ErrInvalidDescriptor)

	require.Equal(t, []int{-1, -1, 0}, offsets(allocation))
	require.Equal(t, 32, allocation.Pools[0].Capacity())

	destroyAllocation(allocation)
	require.Equal(t, 0, device.LiveObjects())
}

func TestAllocateInvalidKindAborts(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKindHostVisible},
		{Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKind(42)},
	})
	require.ErrorIs(t, err, pack.ErrInvalidMemoryKind)
	require.Nil(t, allocation)
	require.Equal(t, 0, device.LiveObjects())
}

func TestAllocatePoolFailureAborts(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})
	device.InjectFailure(fakegpu.FailAllocateMemory, fakegpu.ErrInjected)

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKindHostVisible},
		{Type: pack.ResourceBuffer, Size: 64, Kind: pack.MemoryKindDeviceLocal},
	})
	require.ErrorIs(t, err, fakegpu.ErrInjected)
	require.Nil(t, allocation)
	require.Equal(t, 0, device.LiveObjects())
}

func TestAllocatePoolCallbacks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	device := fakegpu.New(fakegpu.Options{})

	allocated := map[int]int{}
	freed := map[int]int{}
	allocator, err := pack.New(logger, device, pack.CreateOptions{
		PoolCallbacks: &pack.PoolCallbacks{
			Created: func(pool *pack.MemoryPool, userData any) {
				require.Equal(t, "callbacks", userData)
				require.Equal(t, 0, pool.Reservations())
				allocated[pool.MemoryTypeIndex()] += pool.Capacity()
			},
			Freed: func(pool *pack.MemoryPool, userData any) {
				require.False(t, pool.Freed())
				freed[pool.MemoryTypeIndex()] += pool.Memory().Size()
			},
			UserData: "callbacks",
		},
	})
	require.NoError(t, err)

	allocation, err := allocator.Allocate([]pack.ResourceDescriptor{
		{Type: pack.ResourceBuffer, Size: 100, Kind: pack.MemoryKindDeviceLocal},
	})
	require.NoError(t, err)
	require.Equal(t, map[int]int{0: 100}, allocated)
	require.Empty(t, freed)

	destroyAllocation(allocation)
	require.Equal(t, map[int]int{0: 100}, freed)
}

func TestNewRejectsBadLimits(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	limits := fakegpu.DefaultLimits()
	limits.NonCoherentAtomSize = 48

	_, err := pack.New(logger, fakegpu.New(fakegpu.Options{Limits: limits}), pack.CreateOptions{})
	require.Error(t, err)

	_, err = pack.New(logger, fakegpu.New(fakegpu.Options{}), pack.CreateOptions{MemoryTypeBits: 1 << 8})
	require.Error(t, err)
}

func TestFindMemoryTypeIndex(t *testing.T) {
	_, allocator := newAllocator(t, fakegpu.Options{})

	testCases := []struct {
		kind     pack.MemoryKind
		bits     uint32
		expected int
	}{
		{kind: pack.MemoryKindDeviceLocal, bits: 0xF, expected: 0},
		{kind: pack.MemoryKindHostVisible, bits: 0xF, expected: 1},
		{kind: pack.MemoryKindHostCached, bits: 0xF, expected: 2},
		{kind: pack.MemoryKindStaging, bits: 0xF, expected: 1},
		{kind: pack.MemoryKindDeviceLocal, bits: 1 << 3, expected: 3},
	}

	for _, testCase := range testCases {
		t.Run(testCase.kind.String(), func(t *testing.T) {
			index, err := allocator.FindMemoryTypeIndex(testCase.kind, testCase.bits)
			require.NoError(t, err)
			require.Equal(t, testCase.expected, index)
		})
	}

	_, err := allocator.FindMemoryTypeIndex(pack.MemoryKindHostVisible, 1<<0)
	require.ErrorIs(t, err, pack.ErrNoCompatibleMemoryType)
}
