package transfer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/pack"
	"golang.org/x/exp/slog"
)

type operationType int32

const (
	operationUpload operationType = iota
	operationUploadImage
	operationReadback
	operationReadbackImage
	operationCopy
)

// ImageRegion is a box of texels within an image. A zero Extent selects the whole image.
type ImageRegion struct {
	Offset gpu.Offset3D
	Extent gpu.Extent3D
}

func (r ImageRegion) resolve(image *pack.ImageBlock) (ImageRegion, error) {
	extent := image.Image().Extent()
	if r.Extent == (gpu.Extent3D{}) {
		r.Extent = gpu.Extent3D{
			Width:  extent.Width - r.Offset.X,
			Height: extent.Height - r.Offset.Y,
			Depth:  extent.Depth - r.Offset.Z,
		}
	}

	if r.Offset.X < 0 || r.Offset.Y < 0 || r.Offset.Z < 0 ||
		r.Extent.Width <= 0 || r.Extent.Height <= 0 || r.Extent.Depth <= 0 ||
		r.Offset.X+r.Extent.Width > extent.Width ||
		r.Offset.Y+r.Extent.Height > extent.Height ||
		r.Offset.Z+r.Extent.Depth > extent.Depth {
		return ImageRegion{}, errors.Wrapf(pack.ErrOutOfRange, "region %+v is outside image %q, which has extent %+v", r, image.Name(), extent)
	}
	return r, nil
}

// bytes is the size of the region's texels when tightly packed
func (r ImageRegion) bytes(image *pack.ImageBlock) int {
	return r.Extent.Texels() * image.Image().Format().TexelSize()
}

type operation struct {
	opType        operationType
	stagingOffset int
	buffer        pack.BufferSlice
	source        pack.BufferSlice
	image         *pack.ImageBlock
	region        ImageRegion
}

// Transfer is a single batch of copies between staging memory and device resources, with its own
// command buffer and fence. It moves through Building, Recorded, Submitted, and Completed in order,
// or ends in Failed if it cannot be recorded or submitted.
type Transfer struct {
	engine *Engine
	id     int

	state      State
	err        error
	staging    *stagingLease
	operations []operation

	// layouts each image is left in once the transfer completes
	imageLayouts  map[*pack.ImageBlock]gpu.ImageLayout
	commandBuffer gpu.CommandBuffer
	fence         gpu.Fence
	// goroutines blocked on the fence outside the engine mutex
	waiters int

	readback []byte
	uploaded int
	read     int
}

func (t *Transfer) ID() int { return t.id }

// State returns the transfer's current phase
func (t *Transfer) State() State {
	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()

	return t.state
}

// Err returns the error that moved the transfer to Failed, or nil
func (t *Transfer) Err() error {
	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()

	return t.err
}

// StagingSize returns the number of bytes of staging memory available to the transfer
func (t *Transfer) StagingSize() int {
	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()

	if t.staging == nil {
		return 0
	}
	return t.staging.Size()
}

func (t *Transfer) checkState(expected State, operation string) error {
	if t.state == expected {
		return nil
	}
	if t.state == StateFailed {
		return errors.Wrapf(ErrInvalidState, "cannot %s: transfer %d failed: %v", operation, t.id, t.err)
	}
	return errors.Wrapf(ErrInvalidState, "cannot %s: transfer %d is %s, not %s", operation, t.id, t.state, expected)
}

// Write copies data into the transfer's staging memory at offset. Writes should target disjoint
// regions of staging. Writing after the transfer was submitted returns ErrStagingInFlight.
func (t *Transfer) Write(offset int, data []byte) error {
	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()

	if t.state == StateSubmitted {
		return errors.Wrapf(ErrStagingInFlight, "transfer %d has been submitted", t.id)
	}
	err := t.checkState(StateBuilding, "write staging")
	if err != nil {
		return err
	}

	return t.staging.write(offset, data)
}

func (t *Transfer) addOperation(op operation, stagingSize int) error {
	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()

	err := t.checkState(StateBuilding, "add a copy")
	if err != nil {
		return err
	}

	if op.opType != operationCopy {
		err = t.staging.checkRange(pack.MemoryRange{Offset: op.stagingOffset, Size: stagingSize})
		if err != nil {
			return err
		}
	}

	if op.image != nil {
		for _, existing := range t.operations {
			if existing.image == op.image && existing.opType != op.opType {
				return errors.Newf("image %q cannot be both read and written by transfer %d", op.image.Name(), t.id)
			}
		}
	}

	t.operations = append(t.operations, op)
	return nil
}

// CopyToBuffer copies dst.Range.Size bytes of staging memory starting at stagingOffset into the slice
func (t *Transfer) CopyToBuffer(stagingOffset int, dst pack.BufferSlice) error {
	if dst.Range.Size == 0 {
		return nil
	}
	return t.addOperation(operation{
		opType:        operationUpload,
		stagingOffset: stagingOffset,
		buffer:        dst,
	}, dst.Range.Size)
}

// CopyToImage copies tightly packed texels from staging memory starting at stagingOffset into a
// region of the image. The image is left in its final layout.
func (t *Transfer) CopyToImage(stagingOffset int, dst *pack.ImageBlock, region ImageRegion) error {
	region, err := region.resolve(dst)
	if err != nil {
		return err
	}
	return t.addOperation(operation{
		opType:        operationUploadImage,
		stagingOffset: stagingOffset,
		image:         dst,
		region:        region,
	}, region.bytes(dst))
}

// CopyFromBuffer copies the slice into staging memory at stagingOffset. The bytes can be retrieved
// with Read once the transfer completes.
func (t *Transfer) CopyFromBuffer(src pack.BufferSlice, stagingOffset int) error {
	if src.Range.Size == 0 {
		return nil
	}
	return t.addOperation(operation{
		opType:        operationReadback,
		stagingOffset: stagingOffset,
		buffer:        src,
	}, src.Range.Size)
}

// CopyFromImage copies a region of the image into staging memory at stagingOffset as tightly packed
// texels
func (t *Transfer) CopyFromImage(src *pack.ImageBlock, region ImageRegion, stagingOffset int) error {
	region, err := region.resolve(src)
	if err != nil {
		return err
	}
	return t.addOperation(operation{
		opType:        operationReadbackImage,
		stagingOffset: stagingOffset,
		image:         src,
		region:        region,
	}, region.bytes(src))
}

// CopyBuffer copies between two device buffers without using staging memory. The slices must be
// the same size.
func (t *Transfer) CopyBuffer(src pack.BufferSlice, dst pack.BufferSlice) error {
	if src.Range.Size != dst.Range.Size {
		return errors.Wrapf(pack.ErrOutOfRange, "source slice is %d bytes but destination slice is %d bytes", src.Range.Size, dst.Range.Size)
	}
	if src.Range.Size == 0 {
		return nil
	}
	return t.addOperation(operation{
		opType: operationCopy,
		source: src,
		buffer: dst,
	}, 0)
}

// Record records the transfer's barriers and copies into a new command buffer. If anything fails,
// the command buffer is discarded, the staging memory is released, and the transfer is Failed.
func (t *Transfer) Record() error {
	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()

	err := t.checkState(StateBuilding, "record")
	if err != nil {
		return err
	}

	commandBuffer, err := t.engine.device.CreateCommandBuffer(t.engine.queue.Role())
	if err != nil {
		return t.failLocked(errors.Wrap(err, "failed to create command buffer"))
	}
	t.commandBuffer = commandBuffer

	err = t.recordLocked(commandBuffer)
	if err != nil {
		return t.failLocked(errors.Wrap(err, "failed to record transfer"))
	}

	for image, layout := range t.imageLayouts {
		t.engine.pendingLayouts.Put(image, layout)
	}
	t.state = StateRecorded
	return nil
}

func (t *Transfer) currentLayout(image *pack.ImageBlock) gpu.ImageLayout {
	if layout, pending := t.engine.pendingLayouts.Get(image); pending {
		return layout
	}
	return image.Layout()
}

func (t *Transfer) recordLocked(commandBuffer gpu.CommandBuffer) error {
	err := commandBuffer.Begin()
	if err != nil {
		return err
	}

	var before, after barrierSet
	t.imageLayouts = make(map[*pack.ImageBlock]gpu.ImageLayout)
	stagingReadback := false

	for _, op := range t.operations {
		switch op.opType {
		case operationUpload, operationCopy:
			readAccess := bufferReadAccess(op.buffer.Buffer().Usage())
			before.addBuffer(gpu.BufferBarrier{
				Buffer:    op.buffer.Buffer(),
				Offset:    op.buffer.Range.Offset,
				Size:      op.buffer.Range.Size,
				SrcAccess: readAccess,
				DstAccess: gpu.AccessTransferWrite,
			})
			after.addBuffer(gpu.BufferBarrier{
				Buffer:    op.buffer.Buffer(),
				Offset:    op.buffer.Range.Offset,
				Size:      op.buffer.Range.Size,
				SrcAccess: gpu.AccessTransferWrite,
				DstAccess: readAccess,
			})

			if op.opType == operationCopy {
				before.addBuffer(gpu.BufferBarrier{
					Buffer:    op.source.Buffer(),
					Offset:    op.source.Range.Offset,
					Size:      op.source.Range.Size,
					SrcAccess: bufferReadAccess(op.source.Buffer().Usage()) & gpu.AccessShaderWrite,
					DstAccess: gpu.AccessTransferRead,
				})
			}
		case operationReadback:
			before.addBuffer(gpu.BufferBarrier{
				Buffer:    op.buffer.Buffer(),
				Offset:    op.buffer.Range.Offset,
				Size:      op.buffer.Range.Size,
				SrcAccess: bufferReadAccess(op.buffer.Buffer().Usage()) & gpu.AccessShaderWrite,
				DstAccess: gpu.AccessTransferRead,
			})
			stagingReadback = true
		case operationUploadImage, operationReadbackImage:
			if _, seen := t.imageLayouts[op.image]; seen {
				continue
			}

			transferLayout := gpu.ImageLayoutTransferDstOptimal
			transferAccess := gpu.AccessTransferWrite
			if op.opType == operationReadbackImage {
				transferLayout = gpu.ImageLayoutTransferSrcOptimal
				transferAccess = gpu.AccessTransferRead
				stagingReadback = true
			}

			current := t.currentLayout(op.image)
			if current != transferLayout {
				before.addImage(gpu.ImageBarrier{
					Image:     op.image.Image(),
					OldLayout: current,
					NewLayout: transferLayout,
					SrcAccess: layoutAccess(current),
					DstAccess: transferAccess,
				})
			}

			final := op.image.FinalLayout()
			after.addImage(gpu.ImageBarrier{
				Image:     op.image.Image(),
				OldLayout: transferLayout,
				NewLayout: final,
				SrcAccess: transferAccess,
				DstAccess: layoutAccess(final),
			})
			t.imageLayouts[op.image] = final
		}
	}

	if stagingReadback {
		after.addBuffer(gpu.BufferBarrier{
			Buffer:    t.staging.Buffer(),
			Offset:    0,
			Size:      t.staging.Size(),
			SrcAccess: gpu.AccessTransferWrite,
			DstAccess: gpu.AccessHostRead,
		})
	}

	err = before.record(commandBuffer)
	if err != nil {
		return err
	}

	for _, op := range t.operations {
		err = t.recordCopy(commandBuffer, op)
		if err != nil {
			return err
		}
	}

	err = after.record(commandBuffer)
	if err != nil {
		return err
	}

	return commandBuffer.End()
}

func (t *Transfer) recordCopy(commandBuffer gpu.CommandBuffer, op operation) error {
	switch op.opType {
	case operationUpload:
		t.uploaded += op.buffer.Range.Size
		return commandBuffer.CopyBuffer(t.staging.Buffer(), op.buffer.Buffer(), []gpu.BufferCopy{
			{SrcOffset: op.stagingOffset, DstOffset: op.buffer.Range.Offset, Size: op.buffer.Range.Size},
		})
	case operationReadback:
		t.read += op.buffer.Range.Size
		return commandBuffer.CopyBuffer(op.buffer.Buffer(), t.staging.Buffer(), []gpu.BufferCopy{
			{SrcOffset: op.buffer.Range.Offset, DstOffset: op.stagingOffset, Size: op.buffer.Range.Size},
		})
	case operationCopy:
		return commandBuffer.CopyBuffer(op.source.Buffer(), op.buffer.Buffer(), []gpu.BufferCopy{
			{SrcOffset: op.source.Range.Offset, DstOffset: op.buffer.Range.Offset, Size: op.buffer.Range.Size},
		})
	case operationUploadImage:
		t.uploaded += op.region.bytes(op.image)
		return commandBuffer.CopyBufferToImage(t.staging.Buffer(), op.image.Image(), gpu.ImageLayoutTransferDstOptimal, []gpu.BufferImageCopy{
			{BufferOffset: op.stagingOffset, ImageOffset: op.region.Offset, ImageExtent: op.region.Extent},
		})
	case operationReadbackImage:
		t.read += op.region.bytes(op.image)
		return commandBuffer.CopyImageToBuffer(op.image.Image(), gpu.ImageLayoutTransferSrcOptimal, t.staging.Buffer(), []gpu.BufferImageCopy{
			{BufferOffset: op.stagingOffset, ImageOffset: op.region.Offset, ImageExtent: op.region.Extent},
		})
	}

	return errors.Newf("unknown operation type %d", op.opType)
}

// failLocked discards everything the transfer created before submission and moves it to Failed
func (t *Transfer) failLocked(err error) error {
	t.engine.logger.LogAttrs(context.Background(), slog.LevelError, "transfer failed",
		slog.Int("transfer", t.id),
		slog.String("state", t.state.String()),
		slog.Any("error", err),
	)

	if t.commandBuffer != nil {
		resetErr := t.commandBuffer.Reset()
		if resetErr != nil {
			err = errors.CombineErrors(err, resetErr)
		}
		t.commandBuffer.Free()
		t.commandBuffer = nil
	}
	if t.fence != nil {
		t.fence.Destroy()
		t.fence = nil
	}
	if t.staging != nil {
		err = errors.CombineErrors(err, t.staging.release())
	}

	t.state = StateFailed
	t.err = err
	t.engine.stats.Failed++
	return err
}

// Submit flushes staging memory and submits the transfer's command buffer with a new fence. It does
// not wait for the transfer to execute.
func (t *Transfer) Submit() error {
	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()

	err := t.checkState(StateRecorded, "submit")
	if err != nil {
		return err
	}

	err = t.staging.flush()
	if err != nil {
		t.clearPendingLayoutsLocked()
		return t.failLocked(errors.Wrap(err, "failed to flush staging memory"))
	}

	fence, err := t.engine.device.CreateFence()
	if err != nil {
		t.clearPendingLayoutsLocked()
		return t.failLocked(errors.Wrap(err, "failed to create fence"))
	}
	t.fence = fence

	err = t.engine.queue.Submit([]gpu.CommandBuffer{t.commandBuffer}, fence)
	if err != nil {
		t.clearPendingLayoutsLocked()
		return t.failLocked(errors.Wrapf(err, "failed to submit to the %s queue", t.engine.queue.Role()))
	}

	t.staging.fence = fence
	t.state = StateSubmitted
	t.engine.inFlight.Add(t)
	t.engine.stats.Submitted++
	return nil
}

// Discard abandons a transfer that was never submitted. Its command buffer and staging memory are
// freed and it ends Failed.
func (t *Transfer) Discard() error {
	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()

	if t.state != StateBuilding && t.state != StateRecorded {
		return t.checkState(StateBuilding, "discard")
	}
	if t.state == StateRecorded {
		t.clearPendingLayoutsLocked()
	}

	discarded := errors.Newf("transfer %d was discarded", t.id)
	err := t.failLocked(discarded)
	if err != discarded {
		return err
	}
	return nil
}

func (t *Transfer) clearPendingLayoutsLocked() {
	for image, layout := range t.imageLayouts {
		if pending, ok := t.engine.pendingLayouts.Get(image); ok && pending == layout {
			t.engine.pendingLayouts.Delete(image)
		}
	}
}

// Wait blocks until the transfer completes or the timeout elapses. On timeout, ErrTransferTimeout is
// returned and the transfer stays Submitted: it may be waited on again, but it cannot be canceled.
func (t *Transfer) Wait(timeout time.Duration) error {
	t.engine.mutex.Lock()
	switch t.state {
	case StateCompleted:
		t.engine.mutex.Unlock()
		return nil
	case StateSubmitted:
	default:
		err := t.checkState(StateSubmitted, "wait")
		t.engine.mutex.Unlock()
		return err
	}
	fence := t.fence
	t.waiters++
	t.engine.mutex.Unlock()

	waitErr := fence.Wait(timeout)

	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()
	t.waiters--

	if waitErr == nil {
		err := t.completeLocked()
		t.releaseFenceLocked()
		return err
	}

	// Another goroutine may have completed the transfer while this one was blocked
	t.releaseFenceLocked()
	if t.state == StateCompleted {
		return nil
	}

	if errors.Is(waitErr, gpu.ErrFenceTimeout) {
		t.engine.stats.Timeouts++
		t.engine.logger.LogAttrs(context.Background(), slog.LevelWarn, "transfer timed out",
			slog.Int("transfer", t.id),
			slog.Duration("timeout", timeout),
		)
		return errors.Wrapf(ErrTransferTimeout, "transfer %d did not complete within %s", t.id, timeout)
	}
	return errors.Wrapf(waitErr, "failed to wait for transfer %d", t.id)
}

// completeLocked is called once the fence has been observed signaled. It is a no-op for transfers
// that were already completed by another waiter. The fence outlives completion until every waiter
// has returned from it.
func (t *Transfer) completeLocked() error {
	if t.state != StateSubmitted {
		return nil
	}

	err := t.staging.observe()
	if t.read > 0 {
		t.readback = append([]byte(nil), t.staging.data...)
	}

	for image, layout := range t.imageLayouts {
		image.SetLayout(layout)
	}
	t.clearPendingLayoutsLocked()

	err = errors.CombineErrors(err, t.staging.release())
	t.commandBuffer.Free()
	t.commandBuffer = nil

	t.state = StateCompleted
	t.engine.stats.Completed++
	t.engine.stats.BytesUploaded += t.uploaded
	t.engine.stats.BytesRead += t.read
	t.releaseFenceLocked()
	return err
}

// releaseFenceLocked destroys the fence of a completed transfer once no goroutine is waiting on it
func (t *Transfer) releaseFenceLocked() {
	if t.state != StateCompleted || t.waiters > 0 || t.fence == nil {
		return
	}

	t.fence.Destroy()
	t.fence = nil
}

// Read returns size bytes of the transfer's staging memory starting at offset, as they were when the
// transfer completed. Only transfers that copied from a device resource have readback bytes.
func (t *Transfer) Read(offset int, size int) ([]byte, error) {
	t.engine.mutex.Lock()
	defer t.engine.mutex.Unlock()

	err := t.checkState(StateCompleted, "read")
	if err != nil {
		return nil, err
	}

	if size == 0 && offset >= 0 {
		return []byte{}, nil
	}

	bounds := pack.MemoryRange{Size: len(t.readback)}
	byteRange := pack.MemoryRange{Offset: offset, Size: size}
	if offset < 0 || !bounds.Contains(byteRange) {
		return nil, errors.Wrapf(pack.ErrOutOfRange, "range at offset %d with size %d is outside %d bytes of readback", offset, size, len(t.readback))
	}

	return append([]byte(nil), t.readback[offset:offset+size]...), nil
}
