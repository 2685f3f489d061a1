package pack

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/internal/utils"
	"github.com/vkngwrapper/vkpack/memutils"
	"golang.org/x/exp/slog"
)

// Repository owns every block and pool allocated through it and serves them by BlockIndex. Each call
// to Allocate creates a new generation of pools; existing pools are never grown. Everything is
// released together by Destroy.
type Repository struct {
	logger      *slog.Logger
	allocator   *Allocator
	distributor *Distributor

	mutex       utils.OptionalRWMutex
	names       *swiss.Map[string, BlockIndex]
	pools       []*MemoryPool
	generations int
	destroyed   bool
}

func NewRepository(logger *slog.Logger, allocator *Allocator) *Repository {
	return &Repository{
		logger:      logger,
		allocator:   allocator,
		distributor: NewDistributor(allocator.UseMutex()),

		mutex: utils.OptionalRWMutex{UseMutex: allocator.UseMutex()},
		names: swiss.NewMap[string, BlockIndex](42),
	}
}

func (r *Repository) Allocator() *Allocator { return r.allocator }
func (r *Repository) Device() gpu.Device    { return r.allocator.Device() }

// Generations returns the number of batches that have been allocated
func (r *Repository) Generations() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.generations
}

// Pools returns every pool owned by the repository in creation order
func (r *Repository) Pools() []*MemoryPool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return append([]*MemoryPool(nil), r.pools...)
}

// Live returns the number of blocks the repository holds
func (r *Repository) Live() int {
	return r.distributor.Live()
}

// Allocate allocates a batch of descriptors into new pools and returns one index per descriptor, in
// order. Descriptors that failed receive the zero BlockIndex, and the error is an *AllocationErrors.
// If the batch fails as a whole, no indices are returned.
func (r *Repository) Allocate(descriptors []ResourceDescriptor) ([]BlockIndex, error) {
	r.logger.Debug("Repository::Allocate")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.destroyed {
		return nil, ErrRepositoryDestroyed
	}

	allocation, err := r.allocator.Allocate(descriptors)
	if allocation == nil {
		return nil, err
	}

	r.pools = append(r.pools, allocation.Pools...)
	r.generations++

	indices := make([]BlockIndex, len(descriptors))
	for i, block := range allocation.Blocks {
		if block == nil {
			continue
		}

		indices[i] = r.distributor.Assign(block)
		if block.Name() == "" {
			continue
		}

		if previous, exists := r.names.Get(block.Name()); exists {
			r.logger.LogAttrs(context.Background(), slog.LevelWarn, "block name reused; lookups will return the newest block",
				slog.String("name", block.Name()),
				slog.Uint64("previous", previous.Value()),
				slog.Uint64("index", indices[i].Value()),
			)
		}
		r.names.Put(block.Name(), indices[i])
	}

	return indices, err
}

// Resolve returns the block for an index, or ErrInvalidIndex
func (r *Repository) Resolve(index BlockIndex) (Block, error) {
	return r.distributor.Resolve(index)
}

// Buffer returns the buffer block for an index. ErrWrongResourceType is returned for image blocks.
func (r *Repository) Buffer(index BlockIndex) (*BufferBlock, error) {
	block, err := r.distributor.Resolve(index)
	if err != nil {
		return nil, err
	}

	buffer, ok := block.(*BufferBlock)
	if !ok {
		return nil, errors.Wrapf(ErrWrongResourceType, "%s (%s) is an %s block", index, block.Name(), block.Type())
	}
	return buffer, nil
}

// Image returns the image block for an index. ErrWrongResourceType is returned for buffer blocks.
func (r *Repository) Image(index BlockIndex) (*ImageBlock, error) {
	block, err := r.distributor.Resolve(index)
	if err != nil {
		return nil, err
	}

	image, ok := block.(*ImageBlock)
	if !ok {
		return nil, errors.Wrapf(ErrWrongResourceType, "%s (%s) is a %s block", index, block.Name(), block.Type())
	}
	return image, nil
}

// Lookup returns the index of the most recently allocated block with the provided name
func (r *Repository) Lookup(name string) (BlockIndex, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.destroyed {
		return BlockIndex{}, false
	}
	return r.names.Get(name)
}

// Slice returns a range of a buffer block. ErrOutOfRange is returned unless the range lies within
// the block's bound length.
func (r *Repository) Slice(index BlockIndex, byteRange MemoryRange) (BufferSlice, error) {
	buffer, err := r.Buffer(index)
	if err != nil {
		return BufferSlice{}, err
	}

	return sliceBlock(buffer, byteRange)
}

// Destroy waits for the device to go idle, destroys every resource, and then frees every pool.
// Nothing is released if the device cannot be idled or a pool is still mapped. Every index the
// repository issued fails to resolve afterward.
func (r *Repository) Destroy() error {
	r.logger.Debug("Repository::Destroy")

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.destroyed {
		return ErrRepositoryDestroyed
	}

	var err error
	for _, pool := range r.pools {
		if references := pool.MapReferences(); references > 0 {
			err = errors.CombineErrors(err, errors.Newf("pool %d still has %d open mappings", pool.ID(), references))
		}
	}
	if err != nil {
		return errors.Wrap(err, "repository cannot be destroyed")
	}

	err = r.allocator.Device().WaitIdle()
	if err != nil {
		return errors.Wrap(err, "failed to wait for the device to go idle")
	}

	blocks := r.distributor.RetireAll()
	for _, block := range blocks {
		block.destroy()
	}

	for _, pool := range r.pools {
		pool.Destroy()
	}

	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Destroyed repository",
		slog.Int("blocks", len(blocks)),
		slog.Int("pools", len(r.pools)),
	)

	r.names.Clear()
	r.pools = nil
	r.destroyed = true
	return nil
}

// Validate performs internal consistency checks on every pool
func (r *Repository) Validate() error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var err error
	for _, pool := range r.pools {
		err = errors.CombineErrors(err, pool.Validate())
	}
	return err
}

// CheckCorruption checks every mappable pool for writes past the end of a reservation
func (r *Repository) CheckCorruption() error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var err error
	for _, pool := range r.pools {
		if !pool.Kind().Mappable() {
			continue
		}
		err = errors.CombineErrors(err, pool.CheckCorruption())
	}
	return err
}

// Statistics sums the statistics of every pool
func (r *Repository) Statistics() memutils.Statistics {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var stats memutils.Statistics
	for _, pool := range r.pools {
		pool.AddStatistics(&stats)
	}
	return stats
}

// KindStatistics sums the statistics of the pools of each memory kind
func (r *Repository) KindStatistics() map[MemoryKind]memutils.Statistics {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[MemoryKind]memutils.Statistics)
	for _, pool := range r.pools {
		kindStats := stats[pool.Kind()]
		pool.AddStatistics(&kindStats)
		stats[pool.Kind()] = kindStats
	}
	return stats
}

// DetailedStatistics sums the detailed statistics of every pool
func (r *Repository) DetailedStatistics() memutils.DetailedStatistics {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, pool := range r.pools {
		pool.AddDetailedStatistics(&stats)
	}
	return stats
}

// BuildStatsString returns a json document describing the repository's pools. If detailed is true,
// every reservation of every pool is included.
func (r *Repository) BuildStatsString(detailed bool) string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var total memutils.DetailedStatistics
	total.Clear()
	kindStats := make(map[MemoryKind]*memutils.DetailedStatistics)
	for _, pool := range r.pools {
		stats, ok := kindStats[pool.Kind()]
		if !ok {
			stats = &memutils.DetailedStatistics{}
			stats.Clear()
			kindStats[pool.Kind()] = stats
		}
		pool.AddDetailedStatistics(stats)
		pool.AddDetailedStatistics(&total)
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("Generations").Int(r.generations)
	obj.Name("Blocks").Int(r.distributor.Live())

	totalObj := obj.Name("Total").Object()
	total.WriteJson(&totalObj)
	totalObj.End()

	kindsObj := obj.Name("Kinds").Object()
	for _, kind := range memoryKinds {
		stats, ok := kindStats[kind]
		if !ok {
			continue
		}

		kindObj := kindsObj.Name(kind.String()).Object()
		stats.WriteJson(&kindObj)
		kindObj.End()
	}
	kindsObj.End()

	if detailed {
		poolsObj := obj.Name("Pools").Object()
		for _, pool := range r.pools {
			poolObj := poolsObj.Name(strconv.Itoa(pool.ID())).Object()
			pool.printDetailedMap(&poolObj)
			poolObj.End()
		}
		poolsObj.End()
	}

	obj.End()

	if err := writer.Error(); err != nil {
		r.logger.Error("failed to build stats string", slog.Any("error", err))
	}

	return string(writer.Bytes())
}
