package transfer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/eapache/queue"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/internal/utils"
	"github.com/vkngwrapper/vkpack/pack"
	"golang.org/x/exp/slog"
)

// Statistics are running totals for an engine
type Statistics struct {
	Submitted     int
	Completed     int
	Failed        int
	Timeouts      int
	BytesUploaded int
	BytesRead     int

	InFlight         int
	StagingSlots     int
	StagingSlotsBusy int
}

// Engine moves bytes between host memory and the blocks of a Repository. Blocks that are not host
// visible are reached through staging memory and command buffers submitted to a transfer-capable
// queue. The engine never blocks except in Wait, WaitIdle, Read, and Destroy.
type Engine struct {
	logger     *slog.Logger
	device     gpu.Device
	repository *pack.Repository
	queue      gpu.Queue
	options    Options

	mutex          utils.OptionalMutex
	staging        *pack.Repository
	ring           *stagingRing
	inFlight       *queue.Queue
	pendingLayouts *swiss.Map[*pack.ImageBlock, gpu.ImageLayout]
	nextTransferID int
	stats          Statistics
	destroyed      bool
}

func selectQueue(device gpu.Device, flags EngineFlags) (gpu.Queue, error) {
	roles := []gpu.QueueRole{gpu.QueueRoleTransfer, gpu.QueueRoleGraphics}
	if flags&EnginePreferGraphicsQueue != 0 {
		roles = []gpu.QueueRole{gpu.QueueRoleGraphics, gpu.QueueRoleTransfer}
	}

	var err error
	for _, role := range roles {
		q, queueErr := device.Queue(role)
		if queueErr == nil && q.Role().TransferCapable() {
			return q, nil
		}
		err = errors.CombineErrors(err, queueErr)
	}

	return nil, errors.Wrap(errors.CombineErrors(gpu.ErrQueueRoleUnsupported, err), "device has no transfer-capable queue")
}

// New creates an engine that transfers into the blocks of repository. The engine allocates its staging
// ring from the repository's allocator, in a repository of its own.
func New(logger *slog.Logger, repository *pack.Repository, options Options) (*Engine, error) {
	options = options.withDefaults()
	device := repository.Device()

	q, err := selectQueue(device, options.Flags)
	if err != nil {
		return nil, err
	}

	staging := pack.NewRepository(logger, repository.Allocator())
	ring, err := newStagingRing(staging, options.StagingSize, options.StagingSlots)
	if err != nil {
		return nil, err
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "created transfer engine",
		slog.String("queue", q.Role().String()),
		slog.Int("family", q.Family()),
		slog.Int("stagingSize", options.StagingSize),
		slog.Int("stagingSlots", options.StagingSlots),
	)

	return &Engine{
		logger:     logger,
		device:     device,
		repository: repository,
		queue:      q,
		options:    options,

		mutex:          utils.OptionalMutex{UseMutex: options.Flags&EngineExternallySynchronized == 0},
		staging:        staging,
		ring:           ring,
		inFlight:       queue.New(),
		pendingLayouts: swiss.NewMap[*pack.ImageBlock, gpu.ImageLayout](42),
	}, nil
}

func (e *Engine) Queue() gpu.Queue                    { return e.queue }
func (e *Engine) Repository() *pack.Repository        { return e.repository }
func (e *Engine) StagingRepository() *pack.Repository { return e.staging }

// reapLocked completes transfers at the front of the in-flight queue whose fences have signaled
func (e *Engine) reapLocked() error {
	var err error
	for e.inFlight.Length() > 0 {
		t := e.inFlight.Peek().(*Transfer)
		if t.state == StateSubmitted {
			signaled, signalErr := t.fence.Signaled()
			if signalErr != nil {
				return errors.CombineErrors(err, signalErr)
			}
			if !signaled {
				return err
			}
			err = errors.CombineErrors(err, t.completeLocked())
		}
		e.inFlight.Remove()
	}
	return err
}

// Begin starts a transfer with at least size bytes of staging memory. Staging memory is taken from
// the ring, or allocated for the transfer if size is larger than a ring slot. The staging memory is
// mapped before Begin returns, so ErrMemoryMapFailed is reported here, before anything is recorded.
func (e *Engine) Begin(size int) (*Transfer, error) {
	e.logger.Debug("Engine::Begin")

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.destroyed {
		return nil, errors.New("transfer engine has been destroyed")
	}
	if size < 0 {
		return nil, errors.Newf("staging size %d is negative", size)
	}

	var lease *stagingLease
	var err error
	if size > e.ring.slotSize {
		lease, err = e.ring.leaseDedicated(size)
	} else {
		if reapErr := e.reapLocked(); reapErr != nil {
			e.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to complete transfers", slog.Any("error", reapErr))
		}
		lease, err = e.ring.leaseSlot()
	}
	if err != nil {
		return nil, err
	}

	e.nextTransferID++
	return &Transfer{
		engine:  e,
		id:      e.nextTransferID,
		state:   StateBuilding,
		staging: lease,
	}, nil
}

func (e *Engine) completedTransfer(uploaded, read int, readback []byte) *Transfer {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.nextTransferID++
	e.stats.Completed++
	e.stats.BytesUploaded += uploaded
	e.stats.BytesRead += read
	return &Transfer{
		engine:   e,
		id:       e.nextTransferID,
		state:    StateCompleted,
		readback: readback,
		uploaded: uploaded,
		read:     read,
	}
}

// imageBytes is the size of an image's texels when tightly packed
func imageBytes(image *pack.ImageBlock) int {
	return image.Image().Extent().Texels() * image.Image().Format().TexelSize()
}

// Write copies data into the block at offset. Buffers in host-visible pools are written through a
// mapping and the returned transfer is already Completed. Everything else is written through staging
// memory and the returned transfer is Submitted. Images must be written whole, at offset 0.
func (e *Engine) Write(index pack.BlockIndex, offset int, data []byte) (*Transfer, error) {
	e.logger.Debug("Engine::Write")

	block, err := e.repository.Resolve(index)
	if err != nil {
		return nil, err
	}

	switch target := block.(type) {
	case *pack.BufferBlock:
		slice, err := e.repository.Slice(index, pack.MemoryRange{Offset: offset, Size: len(data)})
		if err != nil {
			return nil, err
		}
		if target.Kind().Mappable() {
			return e.writeMapped(slice, data)
		}

		return e.submit(len(data), func(t *Transfer) error {
			err := t.Write(0, data)
			if err != nil {
				return err
			}
			return t.CopyToBuffer(0, slice)
		})
	case *pack.ImageBlock:
		if offset != 0 || len(data) != imageBytes(target) {
			return nil, errors.Wrapf(pack.ErrOutOfRange, "image %q must be written whole: %d bytes at offset 0, not %d bytes at offset %d", target.Name(), imageBytes(target), len(data), offset)
		}

		return e.submit(len(data), func(t *Transfer) error {
			err := t.Write(0, data)
			if err != nil {
				return err
			}
			return t.CopyToImage(0, target, ImageRegion{})
		})
	}

	return nil, errors.Newf("block of type %T is neither a buffer nor an image", block)
}

func (e *Engine) writeMapped(slice pack.BufferSlice, data []byte) (*Transfer, error) {
	mapping, err := slice.Block.Pool().Map()
	if err != nil {
		return nil, err
	}
	defer mapping.Close()

	poolRange := slice.PoolRange()
	bytes, err := mapping.Range(poolRange)
	if err != nil {
		return nil, err
	}
	copy(bytes, data)

	err = mapping.Flush(poolRange)
	if err != nil {
		return nil, err
	}

	return e.completedTransfer(len(data), 0, nil), nil
}

// submit begins a transfer, builds it with the callback, and records and submits it
func (e *Engine) submit(size int, build func(t *Transfer) error) (*Transfer, error) {
	t, err := e.Begin(size)
	if err != nil {
		return nil, err
	}

	err = build(t)
	if err != nil {
		e.mutex.Lock()
		failErr := t.failLocked(err)
		e.mutex.Unlock()
		return nil, failErr
	}

	err = t.Record()
	if err != nil {
		return nil, err
	}

	err = t.Submit()
	if err != nil {
		return nil, err
	}

	return t, nil
}

// Read returns size bytes of the block starting at offset. Buffers in host-visible pools are read
// through a mapping. Everything else is copied into staging memory and Read waits up to timeout
// for the copy; on ErrTransferTimeout the copy is still in flight and completes later. Images must be
// read whole, at offset 0.
func (e *Engine) Read(index pack.BlockIndex, offset int, size int, timeout time.Duration) ([]byte, error) {
	e.logger.Debug("Engine::Read")

	block, err := e.repository.Resolve(index)
	if err != nil {
		return nil, err
	}

	var t *Transfer
	switch target := block.(type) {
	case *pack.BufferBlock:
		slice, err := e.repository.Slice(index, pack.MemoryRange{Offset: offset, Size: size})
		if err != nil {
			return nil, err
		}
		if target.Kind().Mappable() {
			return e.readMapped(slice)
		}

		t, err = e.submit(size, func(t *Transfer) error {
			return t.CopyFromBuffer(slice, 0)
		})
		if err != nil {
			return nil, err
		}
	case *pack.ImageBlock:
		if offset != 0 || size != imageBytes(target) {
			return nil, errors.Wrapf(pack.ErrOutOfRange, "image %q must be read whole: %d bytes at offset 0, not %d bytes at offset %d", target.Name(), imageBytes(target), size, offset)
		}

		t, err = e.submit(size, func(t *Transfer) error {
			return t.CopyFromImage(target, ImageRegion{}, 0)
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Newf("block of type %T is neither a buffer nor an image", block)
	}

	err = t.Wait(timeout)
	if err != nil {
		return nil, err
	}

	return t.Read(0, size)
}

func (e *Engine) readMapped(slice pack.BufferSlice) ([]byte, error) {
	mapping, err := slice.Block.Pool().Map()
	if err != nil {
		return nil, err
	}
	defer mapping.Close()

	poolRange := slice.PoolRange()
	err = mapping.Invalidate(poolRange)
	if err != nil {
		return nil, err
	}

	bytes, err := mapping.Range(poolRange)
	if err != nil {
		return nil, err
	}

	data := append([]byte{}, bytes...)
	e.completedTransfer(0, len(data), data)
	return data, nil
}

// WaitIdle waits for every submitted transfer to complete, up to timeout in total
func (e *Engine) WaitIdle(timeout time.Duration) error {
	e.logger.Debug("Engine::WaitIdle")

	deadline := time.Now().Add(timeout)

	var pending []*Transfer
	e.mutex.Do(func() {
		for i := 0; i < e.inFlight.Length(); i++ {
			t := e.inFlight.Get(i).(*Transfer)
			if t.state == StateSubmitted {
				pending = append(pending, t)
			}
		}
	})

	for _, t := range pending {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}

		err := t.Wait(remaining)
		if err != nil {
			return err
		}
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.reapLocked()
}

// Statistics returns the engine's running totals
func (e *Engine) Statistics() Statistics {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	stats := e.stats
	for i := 0; i < e.inFlight.Length(); i++ {
		if e.inFlight.Get(i).(*Transfer).state == StateSubmitted {
			stats.InFlight++
		}
	}
	stats.StagingSlots = len(e.ring.slots)
	stats.StagingSlotsBusy = e.ring.busy()
	return stats
}

// Destroy waits up to the default timeout for submitted transfers, and then frees the staging ring.
// It fails without freeing anything if a transfer is still holding ring staging memory.
func (e *Engine) Destroy() error {
	e.logger.Debug("Engine::Destroy")

	err := e.WaitIdle(e.options.DefaultTimeout)
	if err != nil {
		return errors.Wrap(err, "transfers did not complete")
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.destroyed {
		return nil
	}

	if busy := e.ring.busy(); busy > 0 {
		return errors.Newf("%d staging slots belong to transfers that were never submitted", busy)
	}

	err = e.staging.Destroy()
	if err != nil {
		return err
	}

	e.destroyed = true
	return nil
}
