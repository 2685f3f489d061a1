package gpu

import "github.com/vkngwrapper/core/v2/common"

// MemoryPropertyFlags describe the capabilities of a memory type. The bit values match the
// native memory property bits so implementations can convert them directly.
type MemoryPropertyFlags int32

var memoryPropertyFlagsMapping = common.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}
func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
	MemoryPropertyLazilyAllocated
)

// BufferUsageFlags describe how a buffer will be used
type BufferUsageFlags int32

var bufferUsageFlagsMapping = common.NewFlagStringMapping[BufferUsageFlags]()

func (f BufferUsageFlags) Register(str string) {
	bufferUsageFlagsMapping.Register(f, str)
}
func (f BufferUsageFlags) String() string {
	return bufferUsageFlagsMapping.FlagsToString(f)
}

const (
	BufferUsageTransferSrc BufferUsageFlags = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniformTexelBuffer
	BufferUsageStorageTexelBuffer
	BufferUsageUniformBuffer
	BufferUsageStorageBuffer
	BufferUsageIndexBuffer
	BufferUsageVertexBuffer
	BufferUsageIndirectBuffer
)

// ImageUsageFlags describe how an image will be used
type ImageUsageFlags int32

var imageUsageFlagsMapping = common.NewFlagStringMapping[ImageUsageFlags]()

func (f ImageUsageFlags) Register(str string) {
	imageUsageFlagsMapping.Register(f, str)
}
func (f ImageUsageFlags) String() string {
	return imageUsageFlagsMapping.FlagsToString(f)
}

const (
	ImageUsageTransferSrc ImageUsageFlags = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
	ImageUsageDepthStencilAttachment
)

// AccessFlags describe the memory accesses a barrier orders
type AccessFlags int32

var accessFlagsMapping = common.NewFlagStringMapping[AccessFlags]()

func (f AccessFlags) Register(str string) {
	accessFlagsMapping.Register(f, str)
}
func (f AccessFlags) String() string {
	return accessFlagsMapping.FlagsToString(f)
}

const (
	AccessIndirectCommandRead AccessFlags = 1 << iota
	AccessIndexRead
	AccessVertexAttributeRead
	AccessUniformRead
	AccessInputAttachmentRead
	AccessShaderRead
	AccessShaderWrite
	AccessColorAttachmentRead
	AccessColorAttachmentWrite
	AccessDepthStencilAttachmentRead
	AccessDepthStencilAttachmentWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
	AccessMemoryRead
	AccessMemoryWrite
)

// PipelineStageFlags describe the pipeline stages a barrier orders
type PipelineStageFlags int32

var pipelineStageFlagsMapping = common.NewFlagStringMapping[PipelineStageFlags]()

func (f PipelineStageFlags) Register(str string) {
	pipelineStageFlagsMapping.Register(f, str)
}
func (f PipelineStageFlags) String() string {
	return pipelineStageFlagsMapping.FlagsToString(f)
}

const (
	PipelineStageTopOfPipe PipelineStageFlags = 1 << iota
	PipelineStageDrawIndirect
	PipelineStageVertexInput
	PipelineStageVertexShader
	PipelineStageTessellationControlShader
	PipelineStageTessellationEvaluationShader
	PipelineStageGeometryShader
	PipelineStageFragmentShader
	PipelineStageEarlyFragmentTests
	PipelineStageLateFragmentTests
	PipelineStageColorAttachmentOutput
	PipelineStageComputeShader
	PipelineStageTransfer
	PipelineStageBottomOfPipe
	PipelineStageHost
	PipelineStageAllGraphics
	PipelineStageAllCommands
)

func init() {
	MemoryPropertyDeviceLocal.Register("DeviceLocal")
	MemoryPropertyHostVisible.Register("HostVisible")
	MemoryPropertyHostCoherent.Register("HostCoherent")
	MemoryPropertyHostCached.Register("HostCached")
	MemoryPropertyLazilyAllocated.Register("LazilyAllocated")

	BufferUsageTransferSrc.Register("TransferSrc")
	BufferUsageTransferDst.Register("TransferDst")
	BufferUsageUniformTexelBuffer.Register("UniformTexelBuffer")
	BufferUsageStorageTexelBuffer.Register("StorageTexelBuffer")
	BufferUsageUniformBuffer.Register("UniformBuffer")
	BufferUsageStorageBuffer.Register("StorageBuffer")
	BufferUsageIndexBuffer.Register("IndexBuffer")
	BufferUsageVertexBuffer.Register("VertexBuffer")
	BufferUsageIndirectBuffer.Register("IndirectBuffer")

	ImageUsageTransferSrc.Register("TransferSrc")
	ImageUsageTransferDst.Register("TransferDst")
	ImageUsageSampled.Register("Sampled")
	ImageUsageStorage.Register("Storage")
	ImageUsageColorAttachment.Register("ColorAttachment")
	ImageUsageDepthStencilAttachment.Register("DepthStencilAttachment")

	AccessIndirectCommandRead.Register("IndirectCommandRead")
	AccessIndexRead.Register("IndexRead")
	AccessVertexAttributeRead.Register("VertexAttributeRead")
	AccessUniformRead.Register("UniformRead")
	AccessInputAttachmentRead.Register("InputAttachmentRead")
	AccessShaderRead.Register("ShaderRead")
	AccessShaderWrite.Register("ShaderWrite")
	AccessColorAttachmentRead.Register("ColorAttachmentRead")
	AccessColorAttachmentWrite.Register("ColorAttachmentWrite")
	AccessDepthStencilAttachmentRead.Register("DepthStencilAttachmentRead")
	AccessDepthStencilAttachmentWrite.Register("DepthStencilAttachmentWrite")
	AccessTransferRead.Register("TransferRead")
	AccessTransferWrite.Register("TransferWrite")
	AccessHostRead.Register("HostRead")
	AccessHostWrite.Register("HostWrite")
	AccessMemoryRead.Register("MemoryRead")
	AccessMemoryWrite.Register("MemoryWrite")

	PipelineStageTopOfPipe.Register("TopOfPipe")
	PipelineStageDrawIndirect.Register("DrawIndirect")
	PipelineStageVertexInput.Register("VertexInput")
	PipelineStageVertexShader.Register("VertexShader")
	PipelineStageTessellationControlShader.Register("TessellationControlShader")
	PipelineStageTessellationEvaluationShader.Register("TessellationEvaluationShader")
	PipelineStageGeometryShader.Register("GeometryShader")
	PipelineStageFragmentShader.Register("FragmentShader")
	PipelineStageEarlyFragmentTests.Register("EarlyFragmentTests")
	PipelineStageLateFragmentTests.Register("LateFragmentTests")
	PipelineStageColorAttachmentOutput.Register("ColorAttachmentOutput")
	PipelineStageComputeShader.Register("ComputeShader")
	PipelineStageTransfer.Register("Transfer")
	PipelineStageBottomOfPipe.Register("BottomOfPipe")
	PipelineStageHost.Register("Host")
	PipelineStageAllGraphics.Register("AllGraphics")
	PipelineStageAllCommands.Register("AllCommands")
}
