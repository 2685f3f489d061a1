package transfer_test

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/gpu/fakegpu"
	"github.com/vkngwrapper/vkpack/pack"
	"github.com/vkngwrapper/vkpack/transfer"
	"golang.org/x/exp/slog"
)

const testStagingSize = 4096

type fixture struct {
	device     *fakegpu.Device
	repository *pack.Repository
	engine     *transfer.Engine
	indices    map[string]pack.BlockIndex
}

var fixtureDescriptors = []pack.ResourceDescriptor{
	{Name: "vertices", Type: pack.ResourceBuffer, Size: testStagingSize, Kind: pack.MemoryKindDeviceLocal, BufferUsage: gpu.BufferUsageVertexBuffer},
	{Name: "storage", Type: pack.ResourceBuffer, Size: 256, Kind: pack.MemoryKindDeviceLocal, BufferUsage: gpu.BufferUsageStorageBuffer},
	{Name: "large", Type: pack.ResourceBuffer, Size: 3 * testStagingSize, Kind: pack.MemoryKindDeviceLocal},
	{Name: "uniforms", Type: pack.ResourceBuffer, Size: 256, Alignment: 256, Kind: pack.MemoryKindHostVisible, BufferUsage: gpu.BufferUsageUniformBuffer},
	{Name: "texture", Type: pack.ResourceImage, Kind: pack.MemoryKindDeviceLocal, Image: pack.ImageParameters{
		Extent: gpu.Extent3D{Width: 8, Height: 8, Depth: 1},
		Format: gpu.FormatR8G8B8A8UNorm,
		Tiling: gpu.ImageTilingOptimal,
		Usage:  gpu.ImageUsageSampled,
	}},
}

func newFixture(t *testing.T, deviceOptions fakegpu.Options, options transfer.Options) *fixture {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	device := fakegpu.New(deviceOptions)

	allocator, err := pack.New(logger, device, pack.CreateOptions{})
	require.NoError(t, err)

	repository := pack.NewRepository(logger, allocator)
	indices, err := repository.Allocate(fixtureDescriptors)
	require.NoError(t, err)

	if options.StagingSize == 0 {
		options.StagingSize = testStagingSize
	}
	engine, err := transfer.New(logger, repository, options)
	require.NoError(t, err)

	f := &fixture{
		device:     device,
		repository: repository,
		engine:     engine,
		indices:    make(map[string]pack.BlockIndex),
	}
	for i, index := range indices {
		f.indices[fixtureDescriptors[i].Name] = index
	}
	return f
}

func (f *fixture) buffer(t *testing.T, name string) *pack.BufferBlock {
	block, err := f.repository.Buffer(f.indices[name])
	require.NoError(t, err)
	return block
}

func (f *fixture) slice(t *testing.T, name string, offset, size int) pack.BufferSlice {
	slice, err := f.repository.Slice(f.indices[name], pack.MemoryRange{Offset: offset, Size: size})
	require.NoError(t, err)
	return slice
}

// deviceBytes reads a buffer's contents directly out of fake device memory
func (f *fixture) deviceBytes(t *testing.T, name string) []byte {
	return f.buffer(t, name).Buffer().(*fakegpu.Buffer).Bytes()
}

func (f *fixture) destroy(t *testing.T) {
	require.NoError(t, f.engine.Destroy())
	require.NoError(t, f.repository.Destroy())
	require.Empty(t, f.device.ValidationErrors())
	require.Equal(t, 0, f.device.LiveObjects())
}

func payload(seed int64, size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestReadbackEquality(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})

	for _, size := range []int{0, 1, testStagingSize - 1} {
		data := payload(int64(size), size)

		written, err := f.engine.Write(f.indices["vertices"], 0, data)
		require.NoError(t, err)
		require.NoError(t, written.Wait(time.Second))
		require.Equal(t, transfer.StateCompleted, written.State())

		read, err := f.engine.Read(f.indices["vertices"], 0, size, time.Second)
		require.NoError(t, err)
		require.Equal(t, data, read, "size %d", size)
	}

	// Offset writes land inside the block
	written, err := f.engine.Write(f.indices["vertices"], 100, []byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, written.Wait(time.Second))
	require.Equal(t, []byte{1, 2, 3}, f.deviceBytes(t, "vertices")[100:103])

	stats := f.engine.Statistics()
	require.Equal(t, 0, stats.InFlight)
	require.Equal(t, 0, stats.Failed)
	require.Equal(t, 2*(testStagingSize-1+1)+3, stats.BytesUploaded+stats.BytesRead)

	f.destroy(t)
}

func TestWriteOutOfRange(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})

	_, err := f.engine.Write(f.indices["storage"], 200, make([]byte, 100))
	require.ErrorIs(t, err, pack.ErrOutOfRange)
	_, err = f.engine.Read(f.indices["storage"], -1, 10, time.Second)
	require.ErrorIs(t, err, pack.ErrOutOfRange)
	_, err = f.engine.Write(pack.BlockIndex{}, 0, []byte{1})
	require.ErrorIs(t, err, pack.ErrInvalidIndex)

	require.Equal(t, 0, f.device.Submissions())
	f.destroy(t)
}

func TestHostVisibleWriteSkipsQueue(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})
	data := payload(1, 256)

	written, err := f.engine.Write(f.indices["uniforms"], 0, data)
	require.NoError(t, err)
	require.Equal(t, transfer.StateCompleted, written.State())
	require.NoError(t, written.Wait(0))

	read, err := f.engine.Read(f.indices["uniforms"], 16, 32, time.Second)
	require.NoError(t, err)
	require.Equal(t, data[16:48], read)

	require.Equal(t, 0, f.device.Submissions())
	require.Equal(t, data, f.deviceBytes(t, "uniforms"))
	f.destroy(t)
}

func TestImageUploadAndReadback(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})
	image, err := f.repository.Image(f.indices["texture"])
	require.NoError(t, err)
	require.Equal(t, gpu.ImageLayoutUndefined, image.Layout())

	data := payload(2, 8*8*4)
	written, err := f.engine.Write(f.indices["texture"], 0, data)
	require.NoError(t, err)
	require.NoError(t, written.Wait(time.Second))
	require.Equal(t, gpu.ImageLayoutShaderReadOnlyOptimal, image.Layout())
	require.Equal(t, gpu.ImageLayoutShaderReadOnlyOptimal, image.Image().(*fakegpu.Image).Layout())

	read, err := f.engine.Read(f.indices["texture"], 0, len(data), time.Second)
	require.NoError(t, err)
	require.Equal(t, data, read)
	require.Equal(t, gpu.ImageLayoutShaderReadOnlyOptimal, image.Layout())

	_, err = f.engine.Write(f.indices["texture"], 0, data[:10])
	require.ErrorIs(t, err, pack.ErrOutOfRange)
	_, err = f.engine.Read(f.indices["texture"], 4, len(data)-4, time.Second)
	require.ErrorIs(t, err, pack.ErrOutOfRange)

	f.destroy(t)
}

func TestImageRegion(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})
	image, err := f.repository.Image(f.indices["texture"])
	require.NoError(t, err)

	tr, err := f.engine.Begin(64)
	require.NoError(t, err)
	err = tr.CopyToImage(0, image, transfer.ImageRegion{
		Offset: gpu.Offset3D{X: 6, Y: 6},
		Extent: gpu.Extent3D{Width: 4, Height: 1, Depth: 1},
	})
	require.ErrorIs(t, err, pack.ErrOutOfRange)

	err = tr.CopyToImage(0, image, transfer.ImageRegion{
		Offset: gpu.Offset3D{X: 4, Y: 4},
		Extent: gpu.Extent3D{Width: 4, Height: 4, Depth: 1},
	})
	require.NoError(t, err)
	// Reading an image in the same transfer that writes it is ambiguous
	err = tr.CopyFromImage(image, transfer.ImageRegion{}, 0)
	require.Error(t, err)

	require.NoError(t, tr.Record())
	require.NoError(t, tr.Submit())
	require.NoError(t, tr.Wait(time.Second))
	require.Equal(t, gpu.ImageLayoutShaderReadOnlyOptimal, image.Layout())

	f.destroy(t)
}

func TestStagingReuseDetected(t *testing.T) {
	f := newFixture(t, fakegpu.Options{DeferExecution: true}, transfer.Options{StagingSlots: 1})

	first, err := f.engine.Write(f.indices["vertices"], 0, payload(3, 128))
	require.NoError(t, err)
	require.Equal(t, transfer.StateSubmitted, first.State())

	err = first.Write(0, []byte{1})
	require.ErrorIs(t, err, transfer.ErrStagingInFlight)

	_, err = f.engine.Begin(16)
	require.ErrorIs(t, err, transfer.ErrStagingExhausted)
	require.Equal(t, 1, f.engine.Statistics().StagingSlotsBusy)

	f.device.ExecutePending()

	// Begin observes the signaled fence before handing out the slot again
	second, err := f.engine.Begin(16)
	require.NoError(t, err)
	require.Equal(t, transfer.StateCompleted, first.State())
	require.Equal(t, 128, f.engine.Statistics().BytesUploaded)

	require.NoError(t, second.Discard())
	require.Equal(t, transfer.StateFailed, second.State())
	require.ErrorIs(t, second.Write(0, []byte{1}), transfer.ErrInvalidState)
	require.Equal(t, 0, f.engine.Statistics().StagingSlotsBusy)

	f.destroy(t)
}

func TestInterleavedTransfers(t *testing.T) {
	f := newFixture(t, fakegpu.Options{DeferExecution: true}, transfer.Options{})
	vertices := payload(4, 512)
	storage := payload(5, 256)

	first, err := f.engine.Begin(len(vertices))
	require.NoError(t, err)
	second, err := f.engine.Begin(len(storage))
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())

	require.NoError(t, second.Write(0, storage))
	require.NoError(t, first.Write(0, vertices))
	require.NoError(t, first.CopyToBuffer(0, f.slice(t, "vertices", 1024, len(vertices))))
	require.NoError(t, second.CopyToBuffer(0, f.slice(t, "storage", 0, len(storage))))

	require.NoError(t, second.Record())
	require.NoError(t, first.Record())
	require.NoError(t, first.Submit())
	require.NoError(t, second.Submit())
	require.Equal(t, 2, f.engine.Statistics().InFlight)

	f.device.ExecutePending()
	require.NoError(t, second.Wait(time.Second))
	require.NoError(t, first.Wait(time.Second))

	require.Equal(t, vertices, f.deviceBytes(t, "vertices")[1024:1024+len(vertices)])
	require.Equal(t, storage, f.deviceBytes(t, "storage"))

	stats := f.engine.Statistics()
	require.Equal(t, 2, stats.Submitted)
	require.Equal(t, 2, stats.Completed)
	require.Equal(t, 0, stats.InFlight)
	require.Equal(t, 0, stats.StagingSlotsBusy)

	f.destroy(t)
}

func TestWaitConcurrentWithReap(t *testing.T) {
	f := newFixture(t, fakegpu.Options{DeferExecution: true}, transfer.Options{})

	for i := 0; i < 50; i++ {
		written, err := f.engine.Write(f.indices["storage"], 0, payload(int64(i), 256))
		require.NoError(t, err)
		require.Equal(t, transfer.StateSubmitted, written.State())

		waited := make(chan error, 1)
		go func() {
			waited <- written.Wait(time.Second)
		}()
		require.Eventually(t, func() bool {
			return f.device.FenceWaiters() == 1
		}, time.Second, time.Millisecond)

		f.device.ExecutePending()

		// Begin reaps finished transfers while the waiter may still be parked on the fence
		next, err := f.engine.Begin(16)
		require.NoError(t, err)
		require.NoError(t, next.Discard())

		require.NoError(t, <-waited)
		require.Equal(t, transfer.StateCompleted, written.State())
		require.Empty(t, f.device.ValidationErrors())
		require.Equal(t, 0, f.device.LiveObjectsOfKind("fence"))
	}

	require.Equal(t, 50*256, f.engine.Statistics().BytesUploaded)
	f.destroy(t)
}

func TestWaitIdleConcurrentWithWait(t *testing.T) {
	f := newFixture(t, fakegpu.Options{DeferExecution: true}, transfer.Options{})

	written, err := f.engine.Write(f.indices["vertices"], 0, payload(9, 1024))
	require.NoError(t, err)

	waited := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			waited <- written.Wait(time.Second)
		}()
	}
	require.Eventually(t, func() bool {
		return f.device.FenceWaiters() == 2
	}, time.Second, time.Millisecond)

	f.device.ExecutePending()
	require.NoError(t, f.engine.WaitIdle(time.Second))

	require.NoError(t, <-waited)
	require.NoError(t, <-waited)
	require.Equal(t, transfer.StateCompleted, written.State())
	require.Empty(t, f.device.ValidationErrors())
	require.Equal(t, 0, f.device.LiveObjectsOfKind("fence"))

	f.destroy(t)
}

func TestTimeoutLeavesTransferSubmitted(t *testing.T) {
	f := newFixture(t, fakegpu.Options{DeferExecution: true}, transfer.Options{})

	written, err := f.engine.Write(f.indices["storage"], 0, payload(6, 64))
	require.NoError(t, err)

	err = written.Wait(10 * time.Millisecond)
	require.ErrorIs(t, err, transfer.ErrTransferTimeout)
	require.Equal(t, transfer.StateSubmitted, written.State())

	_, err = written.Read(0, 1)
	require.ErrorIs(t, err, transfer.ErrInvalidState)

	stats := f.engine.Statistics()
	require.Equal(t, 1, stats.Timeouts)
	require.Equal(t, 1, stats.InFlight)

	f.device.ExecutePending()
	require.NoError(t, written.Wait(0))
	require.Equal(t, transfer.StateCompleted, written.State())

	// Read times out on a device that never executes, and the copy completes later
	_, err = f.engine.Read(f.indices["storage"], 0, 64, 10*time.Millisecond)
	require.ErrorIs(t, err, transfer.ErrTransferTimeout)
	f.device.ExecutePending()
	require.NoError(t, f.engine.WaitIdle(time.Second))

	f.destroy(t)
}

func TestCopyBuffer(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})
	data := payload(7, 256)

	written, err := f.engine.Write(f.indices["storage"], 0, data)
	require.NoError(t, err)
	require.NoError(t, written.Wait(time.Second))

	tr, err := f.engine.Begin(0)
	require.NoError(t, err)
	err = tr.CopyBuffer(f.slice(t, "storage", 0, 256), f.slice(t, "vertices", 0, 128))
	require.Error(t, err)
	require.NoError(t, tr.CopyBuffer(f.slice(t, "storage", 0, 256), f.slice(t, "vertices", 512, 256)))
	require.NoError(t, tr.Record())
	require.NoError(t, tr.Submit())
	require.NoError(t, tr.Wait(time.Second))

	require.Equal(t, data, f.deviceBytes(t, "vertices")[512:768])
	f.destroy(t)
}

func TestDedicatedStaging(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{StagingSlots: 1})
	memoryBefore := f.device.LiveObjectsOfKind("memory")
	data := payload(8, 3*testStagingSize)

	written, err := f.engine.Write(f.indices["large"], 0, data)
	require.NoError(t, err)
	require.NoError(t, written.Wait(time.Second))

	read, err := f.engine.Read(f.indices["large"], 0, len(data), time.Second)
	require.NoError(t, err)
	require.Equal(t, data, read)

	require.Equal(t, memoryBefore, f.device.LiveObjectsOfKind("memory"))
	require.Equal(t, 0, f.engine.Statistics().StagingSlotsBusy)
	f.destroy(t)
}

func TestMapFailureReportedBeforeRecording(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})

	f.device.InjectFailure(fakegpu.FailMap, fakegpu.ErrInjected)
	_, err := f.engine.Begin(64)
	require.ErrorIs(t, err, pack.ErrMemoryMapFailed)
	require.ErrorIs(t, err, fakegpu.ErrInjected)
	require.Equal(t, 0, f.device.LiveObjectsOfKind("command buffer"))
	require.Equal(t, 0, f.engine.Statistics().StagingSlotsBusy)

	tr, err := f.engine.Begin(64)
	require.NoError(t, err)
	require.NoError(t, tr.Discard())

	f.destroy(t)
}

func TestRecordFailureDiscardsCommandBuffer(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})

	tr, err := f.engine.Begin(64)
	require.NoError(t, err)
	require.NoError(t, tr.Write(0, payload(9, 64)))
	require.NoError(t, tr.CopyToBuffer(0, f.slice(t, "storage", 0, 64)))

	f.device.InjectFailure(fakegpu.FailRecord, fakegpu.ErrInjected)
	err = tr.Record()
	require.ErrorIs(t, err, fakegpu.ErrInjected)
	require.Equal(t, transfer.StateFailed, tr.State())
	require.ErrorIs(t, tr.Err(), fakegpu.ErrInjected)

	require.Equal(t, 0, f.device.LiveObjectsOfKind("command buffer"))
	require.Equal(t, 0, f.device.Submissions())
	require.ErrorIs(t, tr.Submit(), transfer.ErrInvalidState)

	stats := f.engine.Statistics()
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 0, stats.StagingSlotsBusy)

	f.destroy(t)
}

func TestSubmitFailure(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})
	image, err := f.repository.Image(f.indices["texture"])
	require.NoError(t, err)

	f.device.InjectFailure(fakegpu.FailSubmit, fakegpu.ErrInjected)
	_, err = f.engine.Write(f.indices["texture"], 0, payload(10, 8*8*4))
	require.ErrorIs(t, err, fakegpu.ErrInjected)

	require.Equal(t, 0, f.device.LiveObjectsOfKind("command buffer"))
	require.Equal(t, 0, f.device.LiveObjectsOfKind("fence"))
	require.Equal(t, gpu.ImageLayoutUndefined, image.Layout())

	// The layout the failed transfer would have left behind is forgotten
	written, err := f.engine.Write(f.indices["texture"], 0, payload(11, 8*8*4))
	require.NoError(t, err)
	require.NoError(t, written.Wait(time.Second))
	require.Equal(t, gpu.ImageLayoutShaderReadOnlyOptimal, image.Layout())

	f.destroy(t)
}

func TestDestroyWithUnsubmittedTransfer(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})

	tr, err := f.engine.Begin(64)
	require.NoError(t, err)
	require.Error(t, f.engine.Destroy())

	require.NoError(t, tr.Discard())
	require.NoError(t, f.engine.Destroy())
	require.NoError(t, f.engine.Destroy())

	_, err = f.engine.Begin(64)
	require.Error(t, err)

	require.NoError(t, f.repository.Destroy())
	require.Equal(t, 0, f.device.LiveObjects())
}

func TestQueueSelection(t *testing.T) {
	f := newFixture(t, fakegpu.Options{}, transfer.Options{})
	require.Equal(t, gpu.QueueRoleTransfer, f.engine.Queue().Role())
	f.destroy(t)

	f = newFixture(t, fakegpu.Options{}, transfer.Options{Flags: transfer.EnginePreferGraphicsQueue})
	require.Equal(t, gpu.QueueRoleGraphics, f.engine.Queue().Role())
	f.destroy(t)

	f = newFixture(t, fakegpu.Options{Roles: []gpu.QueueRole{gpu.QueueRoleGraphics, gpu.QueueRolePresent}}, transfer.Options{})
	require.Equal(t, gpu.QueueRoleGraphics, f.engine.Queue().Role())
	f.destroy(t)
}

func TestNewRequiresTransferQueue(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	device := fakegpu.New(fakegpu.Options{Roles: []gpu.QueueRole{gpu.QueueRolePresent}})

	allocator, err := pack.New(logger, device, pack.CreateOptions{})
	require.NoError(t, err)
	repository := pack.NewRepository(logger, allocator)

	_, err = transfer.New(logger, repository, transfer.Options{})
	require.True(t, errors.Is(err, gpu.ErrQueueRoleUnsupported))
	require.Equal(t, 0, device.LiveObjects())
}

func TestFlagsString(t *testing.T) {
	str := (transfer.EngineExternallySynchronized | transfer.EnginePreferGraphicsQueue).String()
	require.Contains(t, str, "EngineExternallySynchronized")
	require.Contains(t, str, "EnginePreferGraphicsQueue")
	require.Equal(t, "Submitted", transfer.StateSubmitted.String())
}
