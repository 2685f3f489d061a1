package commands

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/vkpack/pack"
	"github.com/vkngwrapper/vkpack/transfer"
	"golang.org/x/exp/slog"
)

// ErrVerificationFailed is returned when data read back from a block differs from what was written
var ErrVerificationFailed = errors.New("read back data did not match")

type probeOptions struct {
	*rootOptions
	manifest string
	timeout  time.Duration
	detailed bool
}

type probeResult struct {
	name     string
	block    pack.Block
	bytes    int
	verified bool
}

func newProbeCommand(root *rootOptions) *cobra.Command {
	options := &probeOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Allocate the resources in a manifest and round-trip data through them",
		Long: `probe allocates every resource listed in a yaml manifest as a single batch, uploads a
deterministic pattern into each one, reads it back, and compares. It prints a json report
with the placement of every resource, the repository statistics, and the transfer totals.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := options.logger(cmd.ErrOrStderr())
			return runProbe(cmd, logger, options)
		},
	}

	cmd.Flags().StringVarP(&options.manifest, "manifest", "m", "", "Path to the yaml resource manifest")
	cmd.Flags().DurationVar(&options.timeout, "timeout", transfer.DefaultTimeout, "How long to wait for each transfer")
	cmd.Flags().BoolVar(&options.detailed, "detailed", false, "Include every reservation in the repository statistics")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

// pattern returns size deterministic bytes that differ between seeds
func pattern(seed int, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(seed*31 + i*7 + i/251)
	}
	return data
}

func blockBytes(block pack.Block) int {
	switch b := block.(type) {
	case *pack.BufferBlock:
		return b.Size()
	case *pack.ImageBlock:
		return b.Image().Extent().Texels() * b.Image().Format().TexelSize()
	}
	return 0
}

func runProbe(cmd *cobra.Command, logger *slog.Logger, options *probeOptions) (err error) {
	manifest, err := LoadManifest(options.manifest)
	if err != nil {
		return err
	}
	descriptors, err := manifest.Descriptors()
	if err != nil {
		return err
	}

	device, release, err := options.openDevice(logger)
	if err != nil {
		return err
	}
	defer release()

	allocator, err := pack.New(logger, device, pack.CreateOptions{})
	if err != nil {
		return err
	}
	repository := pack.NewRepository(logger, allocator)
	defer func() {
		err = errors.CombineErrors(err, repository.Destroy())
	}()

	engine, err := transfer.New(logger, repository, transfer.Options{
		StagingSize:    manifest.StagingSize,
		StagingSlots:   manifest.StagingSlots,
		DefaultTimeout: options.timeout,
	})
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, engine.Destroy())
	}()

	indices, err := repository.Allocate(descriptors)
	if err != nil {
		return err
	}

	results := make([]probeResult, 0, len(indices))
	var failed []string
	for seed, index := range indices {
		result, err := roundTrip(engine, repository, index, seed, options.timeout)
		if err != nil {
			return errors.Wrapf(err, "resource %q", descriptors[seed].Name)
		}
		if !result.verified {
			failed = append(failed, result.name)
		}
		results = append(results, result)
	}

	err = repository.Validate()
	if err != nil {
		return err
	}
	err = repository.CheckCorruption()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(buildReport(results, repository, engine, options.detailed)))

	if len(failed) > 0 {
		return errors.Wrapf(ErrVerificationFailed, "resources %v", failed)
	}
	return nil
}

func roundTrip(engine *transfer.Engine, repository *pack.Repository, index pack.BlockIndex, seed int, timeout time.Duration) (probeResult, error) {
	block, err := repository.Resolve(index)
	if err != nil {
		return probeResult{}, err
	}

	size := blockBytes(block)
	data := pattern(seed, size)

	t, err := engine.Write(index, 0, data)
	if err != nil {
		return probeResult{}, err
	}
	err = t.Wait(timeout)
	if err != nil {
		return probeResult{}, err
	}

	readback, err := engine.Read(index, 0, size, timeout)
	if err != nil {
		return probeResult{}, err
	}

	return probeResult{
		name:     block.Name(),
		block:    block,
		bytes:    size,
		verified: bytes.Equal(data, readback),
	}, nil
}

func buildReport(results []probeResult, repository *pack.Repository, engine *transfer.Engine, detailed bool) []byte {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	resourcesArr := obj.Name("Resources").Array()
	for _, result := range results {
		resourceObj := resourcesArr.Object()
		resourceObj.Name("Name").String(result.name)
		resourceObj.Name("Type").String(result.block.Type().String())
		resourceObj.Name("Kind").String(result.block.Kind().String())
		resourceObj.Name("Pool").Int(result.block.Pool().ID())
		resourceObj.Name("MemoryType").Int(result.block.Pool().MemoryTypeIndex())
		resourceObj.Name("Offset").Int(result.block.Range().Offset)
		resourceObj.Name("Size").Int(result.block.Range().Size)
		resourceObj.Name("Bytes").Int(result.bytes)
		resourceObj.Name("Verified").Bool(result.verified)
		if image, ok := result.block.(*pack.ImageBlock); ok {
			resourceObj.Name("Layout").String(image.Layout().String())
		}
		resourceObj.End()
	}
	resourcesArr.End()

	obj.Name("Repository").Raw([]byte(repository.BuildStatsString(detailed)))

	stats := engine.Statistics()
	transfersObj := obj.Name("Transfers").Object()
	transfersObj.Name("Submitted").Int(stats.Submitted)
	transfersObj.Name("Completed").Int(stats.Completed)
	transfersObj.Name("Failed").Int(stats.Failed)
	transfersObj.Name("Timeouts").Int(stats.Timeouts)
	transfersObj.Name("BytesUploaded").Int(stats.BytesUploaded)
	transfersObj.Name("BytesRead").Int(stats.BytesRead)
	transfersObj.Name("Queue").String(engine.Queue().Role().String())
	transfersObj.End()

	obj.End()
	return writer.Bytes()
}
