package commands

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/pack"
	"sigs.k8s.io/yaml"
)

// Manifest is the set of resources the probe command allocates and round-trips
type Manifest struct {
	StagingSize  int                `json:"stagingSize,omitempty"`
	StagingSlots int                `json:"stagingSlots,omitempty"`
	Resources    []ManifestResource `json:"resources"`
}

type ManifestResource struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Kind      string   `json:"kind"`
	Size      int      `json:"size,omitempty"`
	Alignment uint     `json:"alignment,omitempty"`
	Usage     []string `json:"usage,omitempty"`

	Image   *ManifestImage   `json:"image,omitempty"`
	Payload *ManifestPayload `json:"payload,omitempty"`
}

type ManifestImage struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Depth       int    `json:"depth,omitempty"`
	Format      string `json:"format"`
	Tiling      string `json:"tiling,omitempty"`
	FinalLayout string `json:"finalLayout,omitempty"`
}

type ManifestPayload struct {
	Kind   string `json:"kind"`
	Stride int    `json:"stride"`
	Count  int    `json:"count"`
}

var bufferUsages = map[string]gpu.BufferUsageFlags{
	"TransferSrc":        gpu.BufferUsageTransferSrc,
	"TransferDst":        gpu.BufferUsageTransferDst,
	"UniformTexelBuffer": gpu.BufferUsageUniformTexelBuffer,
	"StorageTexelBuffer": gpu.BufferUsageStorageTexelBuffer,
	"UniformBuffer":      gpu.BufferUsageUniformBuffer,
	"StorageBuffer":      gpu.BufferUsageStorageBuffer,
	"IndexBuffer":        gpu.BufferUsageIndexBuffer,
	"VertexBuffer":       gpu.BufferUsageVertexBuffer,
	"IndirectBuffer":     gpu.BufferUsageIndirectBuffer,
}

var imageUsages = map[string]gpu.ImageUsageFlags{
	"TransferSrc":            gpu.ImageUsageTransferSrc,
	"TransferDst":            gpu.ImageUsageTransferDst,
	"Sampled":                gpu.ImageUsageSampled,
	"Storage":                gpu.ImageUsageStorage,
	"ColorAttachment":        gpu.ImageUsageColorAttachment,
	"DepthStencilAttachment": gpu.ImageUsageDepthStencilAttachment,
}

var formats = map[string]gpu.Format{
	"R8UNorm":            gpu.FormatR8UNorm,
	"R8G8B8A8UNorm":      gpu.FormatR8G8B8A8UNorm,
	"R8G8B8A8SRGB":       gpu.FormatR8G8B8A8SRGB,
	"B8G8R8A8UNorm":      gpu.FormatB8G8R8A8UNorm,
	"R16G16B16A16SFloat": gpu.FormatR16G16B16A16SFloat,
	"R32SFloat":          gpu.FormatR32SFloat,
	"R32G32B32A32SFloat": gpu.FormatR32G32B32A32SFloat,
	"D32SFloat":          gpu.FormatD32SFloat,
}

func parseLayout(str string) (gpu.ImageLayout, error) {
	if str == "" {
		return gpu.ImageLayoutUndefined, nil
	}
	for layout := gpu.ImageLayoutUndefined; layout <= gpu.ImageLayoutPreinitialized; layout++ {
		if layout.String() == str {
			return layout, nil
		}
	}
	return 0, errors.Newf("unknown image layout %q", str)
}

func parseTiling(str string) (gpu.ImageTiling, error) {
	switch str {
	case "", "Optimal":
		return gpu.ImageTilingOptimal, nil
	case "Linear":
		return gpu.ImageTilingLinear, nil
	}
	return 0, errors.Newf("unknown image tiling %q", str)
}

// LoadManifest reads a yaml manifest from disk
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %s", path)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a yaml manifest. Unknown fields are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.UnmarshalStrict(data, &manifest); err != nil {
		return nil, errors.Wrap(err, "failed to parse manifest")
	}
	if len(manifest.Resources) == 0 {
		return nil, errors.New("manifest lists no resources")
	}
	return &manifest, nil
}

// Descriptors converts the manifest's resources into resource descriptors, in manifest order
func (m *Manifest) Descriptors() ([]pack.ResourceDescriptor, error) {
	descriptors := make([]pack.ResourceDescriptor, 0, len(m.Resources))
	for index, resource := range m.Resources {
		descriptor, err := resource.descriptor()
		if err != nil {
			return nil, errors.Wrapf(err, "resource %d (%q)", index, resource.Name)
		}
		descriptors = append(descriptors, descriptor)
	}
	return descriptors, nil
}

func (r ManifestResource) descriptor() (pack.ResourceDescriptor, error) {
	kind, err := pack.ParseMemoryKind(r.Kind)
	if err != nil {
		return pack.ResourceDescriptor{}, err
	}

	descriptor := pack.ResourceDescriptor{
		Name:      r.Name,
		Size:      r.Size,
		Alignment: r.Alignment,
		Kind:      kind,
	}

	switch r.Type {
	case "buffer":
		descriptor.Type = pack.ResourceBuffer
		if r.Image != nil {
			return descriptor, errors.New("buffers cannot carry image parameters")
		}
		for _, name := range r.Usage {
			usage, ok := bufferUsages[name]
			if !ok {
				return descriptor, errors.Newf("unknown buffer usage %q", name)
			}
			descriptor.BufferUsage |= usage
		}
		if r.Payload != nil {
			if r.Payload.Kind != pack.PayloadDynamicUniform.String() {
				return descriptor, errors.Newf("unknown payload kind %q", r.Payload.Kind)
			}
			descriptor.Payload = pack.Payload{
				Kind:   pack.PayloadDynamicUniform,
				Stride: r.Payload.Stride,
				Count:  r.Payload.Count,
			}
		}
	case "image":
		descriptor.Type = pack.ResourceImage
		if r.Image == nil {
			return descriptor, errors.New("images require image parameters")
		}
		for _, name := range r.Usage {
			usage, ok := imageUsages[name]
			if !ok {
				return descriptor, errors.Newf("unknown image usage %q", name)
			}
			descriptor.Image.Usage |= usage
		}

		format, ok := formats[r.Image.Format]
		if !ok {
			return descriptor, errors.Newf("unknown image format %q", r.Image.Format)
		}
		tiling, err := parseTiling(r.Image.Tiling)
		if err != nil {
			return descriptor, err
		}
		layout, err := parseLayout(r.Image.FinalLayout)
		if err != nil {
			return descriptor, err
		}

		depth := r.Image.Depth
		if depth == 0 {
			depth = 1
		}
		descriptor.Image.Extent = gpu.Extent3D{Width: r.Image.Width, Height: r.Image.Height, Depth: depth}
		descriptor.Image.Format = format
		descriptor.Image.Tiling = tiling
		descriptor.Image.FinalLayout = layout
	default:
		return descriptor, errors.Newf("unknown resource type %q, expected buffer or image", r.Type)
	}

	return descriptor, descriptor.Validate()
}
