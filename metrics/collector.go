package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/vkpack/pack"
	"github.com/vkngwrapper/vkpack/transfer"
)

const (
	descPoolCount = iota
	descPoolBytes
	descBlockCount
	descBlockBytes
	descGenerations
	descTransfers
	descTransferBytes
	descTransfersInFlight
	descStagingSlots
)

const (
	repositoryResources = "resources"
	repositoryStaging   = "staging"
)

var descriptors = []*prometheus.Desc{
	descPoolCount: prometheus.NewDesc(
		"vkpack_pools",
		"Number of device memory pools.",
		[]string{"repository", "kind"},
		nil,
	),
	descPoolBytes: prometheus.NewDesc(
		"vkpack_pool_bytes",
		"Capacity of device memory pools in bytes.",
		[]string{"repository", "kind"},
		nil,
	),
	descBlockCount: prometheus.NewDesc(
		"vkpack_blocks",
		"Number of resources bound into pools.",
		[]string{"repository", "kind"},
		nil,
	),
	descBlockBytes: prometheus.NewDesc(
		"vkpack_block_bytes",
		"Bytes of pool memory reserved for resources.",
		[]string{"repository", "kind"},
		nil,
	),
	descGenerations: prometheus.NewDesc(
		"vkpack_generations",
		"Number of batches allocated into a repository.",
		[]string{"repository"},
		nil,
	),
	descTransfers: prometheus.NewDesc(
		"vkpack_transfers_total",
		"Number of transfers by outcome.",
		[]string{"outcome"},
		nil,
	),
	descTransferBytes: prometheus.NewDesc(
		"vkpack_transfer_bytes_total",
		"Bytes moved by completed transfers.",
		[]string{"direction"},
		nil,
	),
	descTransfersInFlight: prometheus.NewDesc(
		"vkpack_transfers_in_flight",
		"Number of submitted transfers that have not been observed complete.",
		nil,
		nil,
	),
	descStagingSlots: prometheus.NewDesc(
		"vkpack_staging_slots",
		"Number of staging ring slots by state.",
		[]string{"state"},
		nil,
	),
}

// Collector exports the statistics of a repository, and optionally of the transfer engine writing
// into it, as prometheus metrics. Statistics are gathered on every scrape.
type Collector struct {
	repository *pack.Repository
	engine     *transfer.Engine
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a collector for repository. engine may be nil.
func NewCollector(repository *pack.Repository, engine *transfer.Engine) *Collector {
	return &Collector{
		repository: repository,
		engine:     engine,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range descriptors {
		ch <- desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	collectRepository(ch, repositoryResources, c.repository)
	if c.engine == nil {
		return
	}

	collectRepository(ch, repositoryStaging, c.engine.StagingRepository())

	stats := c.engine.Statistics()
	ch <- prometheus.MustNewConstMetric(descriptors[descTransfers], prometheus.CounterValue, float64(stats.Submitted), "submitted")
	ch <- prometheus.MustNewConstMetric(descriptors[descTransfers], prometheus.CounterValue, float64(stats.Completed), "completed")
	ch <- prometheus.MustNewConstMetric(descriptors[descTransfers], prometheus.CounterValue, float64(stats.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(descriptors[descTransfers], prometheus.CounterValue, float64(stats.Timeouts), "timeout")
	ch <- prometheus.MustNewConstMetric(descriptors[descTransferBytes], prometheus.CounterValue, float64(stats.BytesUploaded), "upload")
	ch <- prometheus.MustNewConstMetric(descriptors[descTransferBytes], prometheus.CounterValue, float64(stats.BytesRead), "readback")
	ch <- prometheus.MustNewConstMetric(descriptors[descTransfersInFlight], prometheus.GaugeValue, float64(stats.InFlight))
	ch <- prometheus.MustNewConstMetric(descriptors[descStagingSlots], prometheus.GaugeValue, float64(stats.StagingSlotsBusy), "busy")
	ch <- prometheus.MustNewConstMetric(descriptors[descStagingSlots], prometheus.GaugeValue, float64(stats.StagingSlots-stats.StagingSlotsBusy), "free")
}

// collectRepository reports every memory kind, including kinds with no pools, so series do not
// disappear between scrapes
func collectRepository(ch chan<- prometheus.Metric, name string, repository *pack.Repository) {
	kindStats := repository.KindStatistics()
	for _, kind := range pack.MemoryKinds() {
		stats := kindStats[kind]
		ch <- prometheus.MustNewConstMetric(descriptors[descPoolCount], prometheus.GaugeValue, float64(stats.BlockCount), name, kind.String())
		ch <- prometheus.MustNewConstMetric(descriptors[descPoolBytes], prometheus.GaugeValue, float64(stats.BlockBytes), name, kind.String())
		ch <- prometheus.MustNewConstMetric(descriptors[descBlockCount], prometheus.GaugeValue, float64(stats.AllocationCount), name, kind.String())
		ch <- prometheus.MustNewConstMetric(descriptors[descBlockBytes], prometheus.GaugeValue, float64(stats.AllocationBytes), name, kind.String())
	}
	ch <- prometheus.MustNewConstMetric(descriptors[descGenerations], prometheus.GaugeValue, float64(repository.Generations()), name)
}
