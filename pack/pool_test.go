package pack_test

import (
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/gpu/fakegpu"
	mock_gpu "github.com/vkngwrapper/vkpack/gpu/mocks"
	"github.com/vkngwrapper/vkpack/memutils"
	"github.com/vkngwrapper/vkpack/pack"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func TestPoolReserve(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})

	pool, err := allocator.CreatePool(pack.MemoryKindDeviceLocal, 256)
	require.NoError(t, err)

	first, err := pool.Reserve(10, 16)
	require.NoError(t, err)
	require.Equal(t, pack.MemoryRange{Offset: 0, Size: 10}, first)
	require.Equal(t, 16+memutils.DebugMargin, pool.HighWaterMark())

	second, err := pool.Reserve(64, 64)
	require.NoError(t, err)
	require.Equal(t, 64, second.Offset)
	require.False(t, first.Overlaps(second))

	_, err = pool.Reserve(200, 1)
	require.ErrorIs(t, err, pack.ErrOutOfMemory)
	require.Equal(t, 2, pool.Reservations())

	_, err = pool.Reserve(8, 3)
	require.Error(t, err)

	pool.Destroy()
	require.True(t, pool.Freed())
	require.Equal(t, 0, device.LiveObjects())

	_, err = pool.Reserve(8, 1)
	require.Error(t, err)
}

func TestPoolReserveExactCapacity(t *testing.T) {
	_, allocator := newAllocator(t, fakegpu.Options{})

	pool, err := allocator.CreatePool(pack.MemoryKindDeviceLocal, 128+memutils.DebugMargin)
	require.NoError(t, err)
	defer pool.Destroy()

	reserved, err := pool.Reserve(128, 128)
	require.NoError(t, err)
	require.Equal(t, 0, reserved.Offset)
	require.Equal(t, pool.Capacity(), pool.HighWaterMark())

	_, err = pool.Reserve(1, 1)
	require.ErrorIs(t, err, pack.ErrOutOfMemory)
}

func TestPoolReserveUnpaddedSizeFits(t *testing.T) {
	_, allocator := newAllocator(t, fakegpu.Options{})

	pool, err := allocator.CreatePool(pack.MemoryKindDeviceLocal, 6+memutils.DebugMargin)
	require.NoError(t, err)
	defer pool.Destroy()

	reserved, err := pool.Reserve(5, 4)
	require.NoError(t, err)
	require.Equal(t, pack.MemoryRange{Offset: 0, Size: 5}, reserved)
	require.Equal(t, pool.Capacity(), pool.HighWaterMark())
	require.NoError(t, pool.Validate())

	_, err = pool.Reserve(1, 1)
	require.ErrorIs(t, err, pack.ErrOutOfMemory)
	require.Equal(t, 1, pool.Reservations())
}

func TestPoolMapRequiresMappableKind(t *testing.T) {
	_, allocator := newAllocator(t, fakegpu.Options{})

	pool, err := allocator.CreatePool(pack.MemoryKindDeviceLocal, 64)
	require.NoError(t, err)
	defer pool.Destroy()

	_, err = pool.Map()
	require.ErrorIs(t, err, pack.ErrInvalidMemoryKind)
	require.Equal(t, 0, pool.MapReferences())
}

func TestPoolMapReferences(t *testing.T) {
	_, allocator := newAllocator(t, fakegpu.Options{})

	pool, err := allocator.CreatePool(pack.MemoryKindHostVisible, 64)
	require.NoError(t, err)
	defer pool.Destroy()
	memory := pool.Memory().(*fakegpu.Memory)

	first, err := pool.Map()
	require.NoError(t, err)
	second, err := pool.Map()
	require.NoError(t, err)
	require.Equal(t, 2, pool.MapReferences())
	require.True(t, memory.Mapped())

	copy(first.Bytes(), []byte{1, 2, 3, 4})
	view, err := second.Range(pack.MemoryRange{Offset: 1, Size: 2})
	require.NoError(t, err)
	require.Equal(t, []byte{2, 3}, view)

	_, err = second.Range(pack.MemoryRange{Offset: 60, Size: 8})
	require.ErrorIs(t, err, pack.ErrOutOfRange)

	require.NoError(t, first.Close())
	require.True(t, memory.Mapped())
	require.Error(t, first.Close())
	require.NoError(t, second.Close())
	require.False(t, memory.Mapped())
	require.Equal(t, 0, pool.MapReferences())
}

func TestPoolFlushNonCoherent(t *testing.T) {
	_, allocator := newAllocator(t, fakegpu.Options{})

	pool, err := allocator.CreatePool(pack.MemoryKindHostCached, 1000)
	require.NoError(t, err)
	defer pool.Destroy()
	require.Equal(t, 2, pool.MemoryTypeIndex())
	memory := pool.Memory().(*fakegpu.Memory)

	mapping, err := pool.Map()
	require.NoError(t, err)
	defer mapping.Close()

	// unaligned ranges are widened to whole atoms, and clamped to the end of the pool
	require.NoError(t, mapping.Flush(pack.MemoryRange{Offset: 10, Size: 20}))
	require.NoError(t, mapping.Flush(pack.MemoryRange{Offset: 970, Size: 30}))
	require.NoError(t, mapping.Invalidate(pack.MemoryRange{Offset: 65, Size: 1}))
	require.NoError(t, mapping.Flush(pack.MemoryRange{Offset: 5, Size: 0}))
	require.Equal(t, 2, memory.Flushes())
	require.Equal(t, 1, memory.Invalidations())

	err = mapping.Flush(pack.MemoryRange{Offset: 990, Size: 20})
	require.ErrorIs(t, err, pack.ErrOutOfRange)
}

func TestPoolFlushCoherentIsNoop(t *testing.T) {
	_, allocator := newAllocator(t, fakegpu.Options{})

	pool, err := allocator.CreatePool(pack.MemoryKindHostVisible, 100)
	require.NoError(t, err)
	defer pool.Destroy()
	memory := pool.Memory().(*fakegpu.Memory)

	mapping, err := pool.Map()
	require.NoError(t, err)
	require.NoError(t, mapping.Flush(pack.MemoryRange{Offset: 3, Size: 5}))
	require.NoError(t, mapping.Invalidate(pack.MemoryRange{Offset: 3, Size: 5}))
	require.Equal(t, 0, memory.Flushes())
	require.Equal(t, 0, memory.Invalidations())
	require.NoError(t, mapping.Close())
}

func TestPoolMapFailure(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})

	pool, err := allocator.CreatePool(pack.MemoryKindStaging, 64)
	require.NoError(t, err)
	defer pool.Destroy()

	device.InjectFailure(fakegpu.FailMap, fakegpu.ErrInjected)
	_, err = pool.Map()
	require.ErrorIs(t, err, pack.ErrMemoryMapFailed)
	require.ErrorIs(t, err, fakegpu.ErrInjected)
	require.Equal(t, 0, pool.MapReferences())

	var mapErr *pack.MapError
	require.ErrorAs(t, err, &mapErr)
	require.Equal(t, pool.ID(), mapErr.Pool)

	mapping, err := pool.Map()
	require.NoError(t, err)
	require.NoError(t, mapping.Close())
}

func TestPoolMapFailureMockDevice(t *testing.T) {
	ctrl := gomock.NewController(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout))

	device := mock_gpu.NewMockDevice(ctrl)
	memory := mock_gpu.NewMockMemory(ctrl)
	driverErr := errors.New("VK_ERROR_MEMORY_MAP_FAILED")

	device.EXPECT().Limits().Return(fakegpu.DefaultLimits())
	device.EXPECT().MemoryProperties().Return(fakegpu.DiscreteMemoryProperties())
	device.EXPECT().AllocateMemory(1, 128).Return(memory, nil)
	memory.EXPECT().Size().Return(128).AnyTimes()
	memory.EXPECT().Map(0, -1).Return(nil, driverErr)
	memory.EXPECT().Free()

	allocator, err := pack.New(logger, device, pack.CreateOptions{})
	require.NoError(t, err)

	pool, err := allocator.CreatePool(pack.MemoryKindHostVisible, 128)
	require.NoError(t, err)
	require.Equal(t, gpu.MemoryPropertyHostVisible|gpu.MemoryPropertyHostCoherent, pool.PropertyFlags())

	_, err = pool.Map()
	require.ErrorIs(t, err, pack.ErrMemoryMapFailed)
	require.True(t, errors.Is(err, driverErr))

	pool.Destroy()
}

func TestPoolDestroyUnmaps(t *testing.T) {
	device, allocator := newAllocator(t, fakegpu.Options{})

	pool, err := allocator.CreatePool(pack.MemoryKindHostVisible, 64)
	require.NoError(t, err)

	_, err = pool.Map()
	require.NoError(t, err)

	pool.Destroy()
	require.Equal(t, 0, pool.MapReferences())
	require.Equal(t, 0, device.LiveObjects())

	_, err = pool.Map()
	require.Error(t, err)
}
