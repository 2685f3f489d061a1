package commands

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/pack"
)

const testManifest = `
stagingSize: 8192
stagingSlots: 2
resources:
  - name: vertices
    type: buffer
    kind: DeviceLocal
    size: 4096
    alignment: 16
    usage: [VertexBuffer, StorageBuffer]
  - name: uniforms
    type: buffer
    kind: HostVisible
    usage: [UniformBuffer]
    payload:
      kind: DynamicUniform
      stride: 80
      count: 4
  - name: texture
    type: image
    kind: DeviceLocal
    usage: [Sampled]
    image:
      width: 8
      height: 8
      format: R8G8B8A8UNorm
  - name: readback
    type: buffer
    kind: HostCached
    size: 300
`

func TestParseManifest(t *testing.T) {
	manifest, err := ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	require.Equal(t, 8192, manifest.StagingSize)
	require.Equal(t, 2, manifest.StagingSlots)

	descriptors, err := manifest.Descriptors()
	require.NoError(t, err)

	expected := []pack.ResourceDescriptor{
		{
			Name:        "vertices",
			Type:        pack.ResourceBuffer,
			Size:        4096,
			Alignment:   16,
			Kind:        pack.MemoryKindDeviceLocal,
			BufferUsage: gpu.BufferUsageVertexBuffer | gpu.BufferUsageStorageBuffer,
		},
		{
			Name:        "uniforms",
			Type:        pack.ResourceBuffer,
			Kind:        pack.MemoryKindHostVisible,
			BufferUsage: gpu.BufferUsageUniformBuffer,
			Payload:     pack.Payload{Kind: pack.PayloadDynamicUniform, Stride: 80, Count: 4},
		},
		{
			Name: "texture",
			Type: pack.ResourceImage,
			Kind: pack.MemoryKindDeviceLocal,
			Image: pack.ImageParameters{
				Extent: gpu.Extent3D{Width: 8, Height: 8, Depth: 1},
				Format: gpu.FormatR8G8B8A8UNorm,
				Tiling: gpu.ImageTilingOptimal,
				Usage:  gpu.ImageUsageSampled,
			},
		},
		{
			Name: "readback",
			Type: pack.ResourceBuffer,
			Size: 300,
			Kind: pack.MemoryKindHostCached,
		},
	}

	if diff := cmp.Diff(expected, descriptors); diff != "" {
		t.Errorf("descriptors mismatch (-want +got):\n%s", diff)
	}
}

func TestParseManifestRejects(t *testing.T) {
	_, err := ParseManifest([]byte(`resources: []`))
	require.Error(t, err)

	_, err = ParseManifest([]byte(`
resources:
  - name: a
    type: buffer
    kind: Staging
    size: 16
    color: blue
`))
	require.Error(t, err)
}

func TestManifestDescriptorErrors(t *testing.T) {
	testCases := map[string]struct {
		resource ManifestResource
		is       error
	}{
		"UnknownKind": {
			resource: ManifestResource{Name: "a", Type: "buffer", Kind: "Shared", Size: 16},
			is:       pack.ErrInvalidMemoryKind,
		},
		"UnknownType": {
			resource: ManifestResource{Name: "a", Type: "texture", Kind: "DeviceLocal", Size: 16},
		},
		"UnknownUsage": {
			resource: ManifestResource{Name: "a", Type: "buffer", Kind: "DeviceLocal", Size: 16, Usage: []string{"Sampled"}},
		},
		"EmptyBuffer": {
			resource: ManifestResource{Name: "a", Type: "buffer", Kind: "DeviceLocal"},
			is:       pack.ErrInvalidDescriptor,
		},
		"BadAlignment": {
			resource: ManifestResource{Name: "a", Type: "buffer", Kind: "DeviceLocal", Size: 16, Alignment: 3},
			is:       pack.ErrInvalidDescriptor,
		},
		"ImageWithoutParameters": {
			resource: ManifestResource{Name: "a", Type: "image", Kind: "DeviceLocal"},
		},
		"UnknownFormat": {
			resource: ManifestResource{Name: "a", Type: "image", Kind: "DeviceLocal", Image: &ManifestImage{Width: 4, Height: 4, Format: "BC7"}},
		},
		"UnknownLayout": {
			resource: ManifestResource{Name: "a", Type: "image", Kind: "DeviceLocal", Image: &ManifestImage{Width: 4, Height: 4, Format: "R8UNorm", FinalLayout: "Presentable"}},
		},
		"PreinitializedLayout": {
			resource: ManifestResource{Name: "a", Type: "image", Kind: "DeviceLocal", Image: &ManifestImage{Width: 4, Height: 4, Format: "R8UNorm", FinalLayout: "Preinitialized"}},
			is:       pack.ErrInvalidDescriptor,
		},
		"UnknownPayload": {
			resource: ManifestResource{Name: "a", Type: "buffer", Kind: "HostVisible", Payload: &ManifestPayload{Kind: "Indirect", Stride: 16, Count: 2}},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := testCase.resource.descriptor()
			require.Error(t, err)
			if testCase.is != nil {
				require.True(t, errors.Is(err, testCase.is), "expected %v, got %v", testCase.is, err)
			}
		})
	}
}

func TestParseLayout(t *testing.T) {
	layout, err := parseLayout("TransferSrcOptimal")
	require.NoError(t, err)
	require.Equal(t, gpu.ImageLayoutTransferSrcOptimal, layout)

	layout, err = parseLayout("")
	require.NoError(t, err)
	require.Equal(t, gpu.ImageLayoutUndefined, layout)
}
