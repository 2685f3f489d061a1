package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/pack"
)

func newTypesCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the device's memory types and the type each memory kind selects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := root.logger(cmd.ErrOrStderr())

			device, release, err := root.openDevice(logger)
			if err != nil {
				return err
			}
			defer release()

			allocator, err := pack.New(logger, device, pack.CreateOptions{})
			if err != nil {
				return err
			}

			return printTypes(cmd.OutOrStdout(), allocator)
		},
	}
}

func memoryTypeLabel(properties gpu.MemoryProperties, index int) string {
	memoryType := properties.MemoryTypes[index]
	heap := properties.MemoryHeaps[memoryType.HeapIndex]
	return fmt.Sprintf("type %d: heap %d (%d bytes), %s", index, memoryType.HeapIndex, heap.Size, memoryType.PropertyFlags)
}

func printTypes(w io.Writer, allocator *pack.Allocator) error {
	properties := allocator.MemoryProperties()

	fmt.Fprintln(w, "Memory types:")
	for index := range properties.MemoryTypes {
		fmt.Fprintf(w, "  %s\n", memoryTypeLabel(properties, index))
	}

	limits := allocator.Limits()
	fmt.Fprintln(w, "Limits:")
	fmt.Fprintf(w, "  BufferImageGranularity: %d\n", limits.BufferImageGranularity)
	fmt.Fprintf(w, "  NonCoherentAtomSize: %d\n", limits.NonCoherentAtomSize)
	fmt.Fprintf(w, "  MinUniformBufferOffsetAlignment: %d\n", limits.MinUniformBufferOffsetAlignment)

	fmt.Fprintln(w, "Kinds:")
	for _, kind := range pack.MemoryKinds() {
		index, err := allocator.FindMemoryTypeIndex(kind, ^uint32(0))
		if err != nil {
			fmt.Fprintf(w, "  %s: unavailable (%v)\n", kind, err)
			continue
		}
		fmt.Fprintf(w, "  %s: type %d\n", kind, index)
	}

	return nil
}
