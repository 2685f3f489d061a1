package pack

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/memutils"
)

// ResourceType distinguishes buffer descriptors from image descriptors
type ResourceType int32

const (
	ResourceBuffer ResourceType = iota
	ResourceImage
)

var resourceTypeMapping = map[ResourceType]string{
	ResourceBuffer: "Buffer",
	ResourceImage:  "Image",
}

func (t ResourceType) String() string {
	str, ok := resourceTypeMapping[t]
	if !ok {
		return "unknown ResourceType"
	}
	return str
}

// PayloadKind identifies the interpretation of a block's payload
type PayloadKind int32

const (
	PayloadNone PayloadKind = iota
	// PayloadDynamicUniform is a uniform buffer holding Count elements, each Stride bytes apart, that
	// are bound with dynamic offsets
	PayloadDynamicUniform
)

var payloadKindMapping = map[PayloadKind]string{
	PayloadNone:           "None",
	PayloadDynamicUniform: "DynamicUniform",
}

func (k PayloadKind) String() string {
	str, ok := payloadKindMapping[k]
	if !ok {
		return "unknown PayloadKind"
	}
	return str
}

// Payload describes how the contents of a block are laid out. Stride is raised to the device's
// minimum uniform buffer offset alignment during allocation.
type Payload struct {
	Kind   PayloadKind
	Stride int
	Count  int
}

// ImageParameters are the parameters of an image descriptor
type ImageParameters struct {
	Extent gpu.Extent3D
	Format gpu.Format
	Tiling gpu.ImageTiling
	Usage  gpu.ImageUsageFlags
	// FinalLayout is the layout transfers leave the image in. ShaderReadOnlyOptimal is used if it is
	// left Undefined.
	FinalLayout gpu.ImageLayout
}

// ResourceDescriptor is a request for a single buffer or image. The allocator copies descriptors, so
// later changes by the caller have no effect.
type ResourceDescriptor struct {
	Name string
	Type ResourceType
	// Size is the number of bytes requested. It may be left 0 for images, and for dynamic uniform
	// buffers, in which case it is derived from the other parameters.
	Size int
	// Alignment is the minimum alignment of the resource's offset within its pool. It must be a
	// power of two. 0 is treated as 1.
	Alignment uint
	Kind      MemoryKind

	// BufferUsage is the usage of a buffer descriptor. Transfer source and destination usage are
	// always added.
	BufferUsage gpu.BufferUsageFlags
	Image       ImageParameters

	Payload Payload
}

// Validate reports descriptor parameters that could never produce a resource. Errors wrap
// ErrInvalidDescriptor, or ErrInvalidMemoryKind if the kind does not exist.
func (d ResourceDescriptor) Validate() error {
	if !d.Kind.valid() {
		return errors.Wrapf(ErrInvalidMemoryKind, "memory kind %d does not exist", d.Kind)
	}

	if err := memutils.CheckPow2(d.Alignment, "alignment"); err != nil {
		return errors.Wrapf(ErrInvalidDescriptor, "alignment %d is not a power of two", d.Alignment)
	}

	if d.Size < 0 {
		return errors.Wrapf(ErrInvalidDescriptor, "size %d is negative", d.Size)
	}

	switch d.Type {
	case ResourceBuffer:
		if d.Payload.Kind == PayloadDynamicUniform {
			if d.Payload.Count <= 0 || d.Payload.Stride <= 0 {
				return errors.Wrapf(ErrInvalidDescriptor, "dynamic uniform payloads require a positive stride and count, but stride was %d and count was %d", d.Payload.Stride, d.Payload.Count)
			}
		} else if d.Size == 0 {
			return errors.Wrap(ErrInvalidDescriptor, "buffer size must be greater than 0")
		}
	case ResourceImage:
		extent := d.Image.Extent
		if extent.Width <= 0 || extent.Height <= 0 || extent.Depth <= 0 {
			return errors.Wrapf(ErrInvalidDescriptor, "image extent %+v must be positive in every dimension", extent)
		}
		if d.Image.Format.TexelSize() == 0 {
			return errors.Wrapf(ErrInvalidDescriptor, "image format %d is not supported", d.Image.Format)
		}
		if d.Payload.Kind != PayloadNone {
			return errors.Wrapf(ErrInvalidDescriptor, "images cannot carry a %s payload", d.Payload.Kind)
		}
		switch d.Image.FinalLayout {
		case gpu.ImageLayoutPreinitialized:
			return errors.Wrapf(ErrInvalidDescriptor, "images cannot transition to layout %s", d.Image.FinalLayout)
		}
	default:
		return errors.Wrapf(ErrInvalidDescriptor, "resource type %d does not exist", d.Type)
	}

	return nil
}

func (d ResourceDescriptor) finalLayout() gpu.ImageLayout {
	if d.Image.FinalLayout == gpu.ImageLayoutUndefined {
		return gpu.ImageLayoutShaderReadOnlyOptimal
	}
	return d.Image.FinalLayout
}

// resolvePayload aligns a dynamic uniform stride to the device limit and derives the size the payload
// needs
func (d ResourceDescriptor) resolvePayload(limits gpu.Limits) (Payload, int, error) {
	if d.Payload.Kind != PayloadDynamicUniform {
		return d.Payload, d.Size, nil
	}

	payload := d.Payload
	minAlignment := limits.MinUniformBufferOffsetAlignment
	if minAlignment > 1 {
		payload.Stride = memutils.AlignUp(payload.Stride, uint(minAlignment))
	}

	size := d.Size
	needed := payload.Stride * payload.Count
	if size == 0 {
		size = needed
	} else if size < needed {
		return Payload{}, 0, errors.Wrapf(ErrInvalidDescriptor, "size %d is too small for %d elements with aligned stride %d", size, payload.Count, payload.Stride)
	}

	return payload, size, nil
}
