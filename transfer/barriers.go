package transfer

import "github.com/vkngwrapper/vkpack/gpu"

// bufferReadAccess is the access a buffer's consumers perform on it, derived from its usage
func bufferReadAccess(usage gpu.BufferUsageFlags) gpu.AccessFlags {
	var access gpu.AccessFlags
	if usage&gpu.BufferUsageVertexBuffer != 0 {
		access |= gpu.AccessVertexAttributeRead
	}
	if usage&gpu.BufferUsageIndexBuffer != 0 {
		access |= gpu.AccessIndexRead
	}
	if usage&gpu.BufferUsageUniformBuffer != 0 {
		access |= gpu.AccessUniformRead
	}
	if usage&(gpu.BufferUsageStorageBuffer|gpu.BufferUsageUniformTexelBuffer|gpu.BufferUsageStorageTexelBuffer) != 0 {
		access |= gpu.AccessShaderRead
	}
	if usage&(gpu.BufferUsageStorageBuffer|gpu.BufferUsageStorageTexelBuffer) != 0 {
		access |= gpu.AccessShaderWrite
	}
	if usage&gpu.BufferUsageIndirectBuffer != 0 {
		access |= gpu.AccessIndirectCommandRead
	}
	return access
}

// layoutAccess is the access an image's consumers perform on it while it is in the layout
func layoutAccess(layout gpu.ImageLayout) gpu.AccessFlags {
	switch layout {
	case gpu.ImageLayoutGeneral:
		return gpu.AccessShaderRead | gpu.AccessShaderWrite
	case gpu.ImageLayoutColorAttachmentOptimal:
		return gpu.AccessColorAttachmentRead | gpu.AccessColorAttachmentWrite
	case gpu.ImageLayoutDepthStencilAttachmentOptimal:
		return gpu.AccessDepthStencilAttachmentRead | gpu.AccessDepthStencilAttachmentWrite
	case gpu.ImageLayoutDepthStencilReadOnlyOptimal:
		return gpu.AccessDepthStencilAttachmentRead | gpu.AccessShaderRead
	case gpu.ImageLayoutShaderReadOnlyOptimal:
		return gpu.AccessShaderRead
	case gpu.ImageLayoutTransferSrcOptimal:
		return gpu.AccessTransferRead
	case gpu.ImageLayoutTransferDstOptimal:
		return gpu.AccessTransferWrite
	}

	return 0
}

// accessStages is the set of pipeline stages that perform the accesses. No access maps to the top
// of the pipe, which waits on nothing.
func accessStages(access gpu.AccessFlags) gpu.PipelineStageFlags {
	if access == 0 {
		return gpu.PipelineStageTopOfPipe
	}

	var stages gpu.PipelineStageFlags
	if access&gpu.AccessIndirectCommandRead != 0 {
		stages |= gpu.PipelineStageDrawIndirect
	}
	if access&(gpu.AccessIndexRead|gpu.AccessVertexAttributeRead) != 0 {
		stages |= gpu.PipelineStageVertexInput
	}
	if access&(gpu.AccessUniformRead|gpu.AccessShaderRead|gpu.AccessShaderWrite|gpu.AccessInputAttachmentRead) != 0 {
		stages |= gpu.PipelineStageVertexShader | gpu.PipelineStageFragmentShader | gpu.PipelineStageComputeShader
	}
	if access&(gpu.AccessColorAttachmentRead|gpu.AccessColorAttachmentWrite) != 0 {
		stages |= gpu.PipelineStageColorAttachmentOutput
	}
	if access&(gpu.AccessDepthStencilAttachmentRead|gpu.AccessDepthStencilAttachmentWrite) != 0 {
		stages |= gpu.PipelineStageEarlyFragmentTests | gpu.PipelineStageLateFragmentTests
	}
	if access&(gpu.AccessTransferRead|gpu.AccessTransferWrite) != 0 {
		stages |= gpu.PipelineStageTransfer
	}
	if access&(gpu.AccessHostRead|gpu.AccessHostWrite) != 0 {
		stages |= gpu.PipelineStageHost
	}
	if access&(gpu.AccessMemoryRead|gpu.AccessMemoryWrite) != 0 {
		stages |= gpu.PipelineStageAllCommands
	}
	return stages
}

// barrierSet collects the buffer and image barriers of one side of a transfer's copies
type barrierSet struct {
	srcAccess gpu.AccessFlags
	dstAccess gpu.AccessFlags
	buffers   []gpu.BufferBarrier
	images    []gpu.ImageBarrier
}

func (b *barrierSet) addBuffer(barrier gpu.BufferBarrier) {
	b.srcAccess |= barrier.SrcAccess
	b.dstAccess |= barrier.DstAccess
	b.buffers = append(b.buffers, barrier)
}

func (b *barrierSet) addImage(barrier gpu.ImageBarrier) {
	b.srcAccess |= barrier.SrcAccess
	b.dstAccess |= barrier.DstAccess
	b.images = append(b.images, barrier)
}

func (b *barrierSet) empty() bool {
	return len(b.buffers) == 0 && len(b.images) == 0
}

func (b *barrierSet) record(commandBuffer gpu.CommandBuffer) error {
	if b.empty() {
		return nil
	}

	return commandBuffer.PipelineBarrier(accessStages(b.srcAccess), accessStages(b.dstAccess), b.buffers, b.images)
}
