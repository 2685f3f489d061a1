package fakegpu

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
)

type commandBufferState int

const (
	commandBufferInitial commandBufferState = iota
	commandBufferRecording
	commandBufferExecutable
	commandBufferInvalid
	commandBufferFreed
)

// CommandBuffer records commands as closures that run against device memory when the buffer's
// submission executes
type CommandBuffer struct {
	device *Device
	id     uint64
	role   gpu.QueueRole

	mutex    sync.Mutex
	state    commandBufferState
	commands []func()
}

var _ gpu.CommandBuffer = &CommandBuffer{}

// Recorded returns the number of commands recorded since the last Begin
func (c *CommandBuffer) Recorded() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.commands)
}

func (c *CommandBuffer) Freed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.state == commandBufferFreed
}

func (c *CommandBuffer) Begin() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state != commandBufferInitial {
		return errors.New("command buffer must be reset before it can begin recording again")
	}
	c.state = commandBufferRecording
	c.commands = c.commands[:0]
	return nil
}

func (c *CommandBuffer) record(command func()) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state != commandBufferRecording {
		return errors.New("command buffer is not recording")
	}
	if err := c.device.takeFailure(FailRecord); err != nil {
		c.state = commandBufferInvalid
		return err
	}

	c.commands = append(c.commands, command)
	return nil
}

func asBuffer(buffer gpu.Buffer) (*Buffer, error) {
	fakeBuffer, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.New("buffer was not created by a fake device")
	}
	if fakeBuffer.Destroyed() {
		return nil, errors.New("buffer has been destroyed")
	}
	if memory, _ := fakeBuffer.Memory(); memory == nil {
		return nil, errors.New("buffer is not bound to memory")
	}
	return fakeBuffer, nil
}

func asImage(image gpu.Image) (*Image, error) {
	fakeImage, ok := image.(*Image)
	if !ok {
		return nil, errors.New("image was not created by a fake device")
	}
	if fakeImage.Destroyed() {
		return nil, errors.New("image has been destroyed")
	}
	if fakeImage.Bytes() == nil {
		return nil, errors.New("image is not bound to memory")
	}
	return fakeImage, nil
}

func (c *CommandBuffer) CopyBuffer(src gpu.Buffer, dst gpu.Buffer, regions []gpu.BufferCopy) error {
	srcBuffer, err := asBuffer(src)
	if err != nil {
		return err
	}
	dstBuffer, err := asBuffer(dst)
	if err != nil {
		return err
	}

	for _, region := range regions {
		if region.Size <= 0 || region.SrcOffset < 0 || region.SrcOffset+region.Size > srcBuffer.Size() ||
			region.DstOffset < 0 || region.DstOffset+region.Size > dstBuffer.Size() {
			return errors.Newf("copy region %+v is out of bounds", region)
		}
	}

	regions = append([]gpu.BufferCopy(nil), regions...)
	return c.record(func() {
		srcBytes := srcBuffer.Bytes()
		dstBytes := dstBuffer.Bytes()
		for _, region := range regions {
			copy(dstBytes[region.DstOffset:region.DstOffset+region.Size], srcBytes[region.SrcOffset:region.SrcOffset+region.Size])
		}
	})
}

func checkImageRegion(image *Image, buffer *Buffer, region gpu.BufferImageCopy) error {
	extent := image.Extent()
	if region.ImageOffset.X < 0 || region.ImageOffset.Y < 0 || region.ImageOffset.Z < 0 ||
		region.ImageExtent.Width <= 0 || region.ImageExtent.Height <= 0 || region.ImageExtent.Depth <= 0 ||
		region.ImageOffset.X+region.ImageExtent.Width > extent.Width ||
		region.ImageOffset.Y+region.ImageExtent.Height > extent.Height ||
		region.ImageOffset.Z+region.ImageExtent.Depth > extent.Depth {
		return errors.Newf("image region %+v is outside the image extent %+v", region, extent)
	}

	size := region.ImageExtent.Texels() * image.Format().TexelSize()
	if region.BufferOffset < 0 || region.BufferOffset+size > buffer.Size() {
		return errors.Newf("buffer region at offset %d with size %d is outside the buffer", region.BufferOffset, size)
	}
	return nil
}

// visitRows calls the callback once per contiguous row of texels in the region, with the row's
// byte offset in the image and in the tightly packed buffer
func visitRows(image *Image, region gpu.BufferImageCopy, callback func(imageOffset, bufferOffset, length int)) {
	texelSize := image.Format().TexelSize()
	rowLength := region.ImageExtent.Width * texelSize
	bufferOffset := region.BufferOffset

	for z := 0; z < region.ImageExtent.Depth; z++ {
		for y := 0; y < region.ImageExtent.Height; y++ {
			imageOffset := image.texelOffset(region.ImageOffset.X, region.ImageOffset.Y+y, region.ImageOffset.Z+z)
			callback(imageOffset, bufferOffset, rowLength)
			bufferOffset += rowLength
		}
	}
}

func (d *Device) checkLayout(image *Image, expected gpu.ImageLayout, command string) {
	actual := image.Layout()
	if actual != expected {
		d.validationError(errors.Newf("%s expected the image to be in layout %s, but it was in layout %s", command, expected, actual))
	}
}

func (c *CommandBuffer) CopyBufferToImage(src gpu.Buffer, dst gpu.Image, dstLayout gpu.ImageLayout, regions []gpu.BufferImageCopy) error {
	srcBuffer, err := asBuffer(src)
	if err != nil {
		return err
	}
	dstImage, err := asImage(dst)
	if err != nil {
		return err
	}
	if dstLayout != gpu.ImageLayoutTransferDstOptimal && dstLayout != gpu.ImageLayoutGeneral {
		return errors.Newf("images cannot be copied into while in layout %s", dstLayout)
	}
	for _, region := range regions {
		if err := checkImageRegion(dstImage, srcBuffer, region); err != nil {
			return err
		}
	}

	regions = append([]gpu.BufferImageCopy(nil), regions...)
	return c.record(func() {
		c.device.checkLayout(dstImage, dstLayout, "CopyBufferToImage")

		srcBytes := srcBuffer.Bytes()
		dstBytes := dstImage.Bytes()
		for _, region := range regions {
			visitRows(dstImage, region, func(imageOffset, bufferOffset, length int) {
				copy(dstBytes[imageOffset:imageOffset+length], srcBytes[bufferOffset:bufferOffset+length])
			})
		}
	})
}

func (c *CommandBuffer) CopyImageToBuffer(src gpu.Image, srcLayout gpu.ImageLayout, dst gpu.Buffer, regions []gpu.BufferImageCopy) error {
	srcImage, err := asImage(src)
	if err != nil {
		return err
	}
	dstBuffer, err := asBuffer(dst)
	if err != nil {
		return err
	}
	if srcLayout != gpu.ImageLayoutTransferSrcOptimal && srcLayout != gpu.ImageLayoutGeneral {
		return errors.Newf("images cannot be copied from while in layout %s", srcLayout)
	}
	for _, region := range regions {
		if err := checkImageRegion(srcImage, dstBuffer, region); err != nil {
			return err
		}
	}

	regions = append([]gpu.BufferImageCopy(nil), regions...)
	return c.record(func() {
		c.device.checkLayout(srcImage, srcLayout, "CopyImageToBuffer")

		srcBytes := srcImage.Bytes()
		dstBytes := dstBuffer.Bytes()
		for _, region := range regions {
			visitRows(srcImage, region, func(imageOffset, bufferOffset, length int) {
				copy(dstBytes[bufferOffset:bufferOffset+length], srcBytes[imageOffset:imageOffset+length])
			})
		}
	})
}

func (c *CommandBuffer) PipelineBarrier(srcStage, dstStage gpu.PipelineStageFlags, buffers []gpu.BufferBarrier, images []gpu.ImageBarrier) error {
	if srcStage == 0 || dstStage == 0 {
		return errors.New("pipeline barriers require source and destination stages")
	}

	fakeImages := make([]*Image, 0, len(images))
	for _, barrier := range images {
		image, err := asImage(barrier.Image)
		if err != nil {
			return err
		}
		if barrier.NewLayout == gpu.ImageLayoutUndefined || barrier.NewLayout == gpu.ImageLayoutPreinitialized {
			return errors.Newf("images cannot transition to layout %s", barrier.NewLayout)
		}
		fakeImages = append(fakeImages, image)
	}
	for _, barrier := range buffers {
		if _, err := asBuffer(barrier.Buffer); err != nil {
			return err
		}
	}

	images = append([]gpu.ImageBarrier(nil), images...)
	return c.record(func() {
		for i, barrier := range images {
			// Undefined discards the contents, so it matches any current layout
			if barrier.OldLayout != gpu.ImageLayoutUndefined {
				c.device.checkLayout(fakeImages[i], barrier.OldLayout, "PipelineBarrier")
			}
			fakeImages[i].setLayout(barrier.NewLayout)
		}
	})
}

func (c *CommandBuffer) End() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state != commandBufferRecording {
		return errors.New("command buffer is not recording")
	}
	if err := c.device.takeFailure(FailRecord); err != nil {
		c.state = commandBufferInvalid
		return err
	}
	c.state = commandBufferExecutable
	return nil
}

func (c *CommandBuffer) Reset() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state == commandBufferFreed {
		return errors.New("attempted to reset a freed command buffer")
	}
	c.state = commandBufferInitial
	c.commands = c.commands[:0]
	return nil
}

func (c *CommandBuffer) Free() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.state == commandBufferFreed {
		return
	}
	c.state = commandBufferFreed
	c.commands = nil
	c.device.untrack(c.id)
}

func (c *CommandBuffer) executable() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.state == commandBufferExecutable
}

func (c *CommandBuffer) execute() {
	c.mutex.Lock()
	commands := append([]func(){}, c.commands...)
	c.mutex.Unlock()

	for _, command := range commands {
		command()
	}
}

type Queue struct {
	device *Device
	role   gpu.QueueRole
	family int
}

var _ gpu.Queue = &Queue{}

func (q *Queue) Role() gpu.QueueRole { return q.role }
func (q *Queue) Family() int         { return q.family }

func (q *Queue) Submit(commandBuffers []gpu.CommandBuffer, fence gpu.Fence) error {
	if !q.role.TransferCapable() {
		return errors.Wrapf(gpu.ErrQueueRoleUnsupported, "command buffers cannot be submitted to the %s queue", q.role)
	}

	sub := submission{}
	for _, commandBuffer := range commandBuffers {
		fakeCommandBuffer, ok := commandBuffer.(*CommandBuffer)
		if !ok || fakeCommandBuffer.device != q.device {
			return errors.New("command buffer was not created by this device")
		}
		if !fakeCommandBuffer.executable() {
			return errors.New("command buffer is not executable")
		}
		if fakeCommandBuffer.role != q.role {
			return errors.Newf("command buffer was created for the %s queue, not the %s queue", fakeCommandBuffer.role, q.role)
		}
		sub.commandBuffers = append(sub.commandBuffers, fakeCommandBuffer)
	}

	if fence != nil {
		fakeFence, ok := fence.(*Fence)
		if !ok || fakeFence.device != q.device {
			return errors.New("fence was not created by this device")
		}
		if signaled, _ := fakeFence.Signaled(); signaled {
			return errors.New("fence must be reset before it is submitted")
		}
		sub.fence = fakeFence
	}

	if err := q.device.takeFailure(FailSubmit); err != nil {
		return err
	}

	q.device.enqueue(sub)
	return nil
}

func (q *Queue) WaitIdle() error {
	q.device.ExecutePending()
	return nil
}

type Fence struct {
	device *Device
	id     uint64

	mutex     sync.Mutex
	done      chan struct{}
	signaled  bool
	destroyed bool
	// goroutines currently blocked in Wait
	waiters int
}

var _ gpu.Fence = &Fence{}

func (f *Fence) signal() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if !f.signaled {
		f.signaled = true
		close(f.done)
	}
}

// Wait blocks until the fence signals. Waiting on a destroyed fence is recorded as a validation error.
func (f *Fence) Wait(timeout time.Duration) error {
	f.mutex.Lock()
	if f.destroyed {
		f.mutex.Unlock()
		err := errors.Newf("fence %d was waited on after it was destroyed", f.id)
		f.device.validationError(err)
		return err
	}
	done := f.done
	f.waiters++
	f.device.addFenceWaiters(1)
	f.mutex.Unlock()

	defer func() {
		f.mutex.Lock()
		f.waiters--
		f.device.addFenceWaiters(-1)
		f.mutex.Unlock()
	}()

	if timeout <= 0 {
		select {
		case <-done:
			return nil
		default:
			return gpu.ErrFenceTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return gpu.ErrFenceTimeout
	}
}

func (f *Fence) Signaled() (bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.destroyed {
		err := errors.Newf("fence %d was queried after it was destroyed", f.id)
		f.device.validationError(err)
		return false, err
	}
	return f.signaled, nil
}

// Waiters returns the number of goroutines blocked in Wait
func (f *Fence) Waiters() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.waiters
}

func (f *Fence) Reset() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.signaled {
		f.signaled = false
		f.done = make(chan struct{})
	}
	return nil
}

func (f *Fence) Destroyed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.destroyed
}

func (f *Fence) Destroy() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.destroyed {
		return
	}
	if f.waiters > 0 {
		f.device.validationError(errors.Newf("fence %d was destroyed while %d waiters were blocked on it", f.id, f.waiters))
	}
	f.destroyed = true
	f.device.untrack(f.id)
}
