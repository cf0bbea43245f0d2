package pool

import (
	"time"

	"github.com/ChuLiYu/ppm/internal/extras"
	"github.com/ChuLiYu/ppm/internal/ipc"
	"github.com/ChuLiYu/ppm/internal/metrics"
	"github.com/ChuLiYu/ppm/internal/worker"
	"github.com/sirupsen/logrus"
)

// DefaultStdName is the standard pool name used when Config.PoolName
// is empty.
const DefaultStdName = "pyfunceble-process-manager"

// Config holds every construction option recognized by the manager.
// Unrecognized options belong in Extras instead.
type Config struct {
	// PoolName is substituted into every worker name as
	// ppm-{PoolName}-{index}, and into the manager's own name as
	// ppm-{PoolName}. Defaults to DefaultStdName.
	PoolName string

	// MaxWorkers bounds concurrent workers. Zero means "use the host
	// CPU default"; a negative value clamps to 1.
	MaxWorkers int

	// IPC is the channel/event factory. A fresh one is created when nil.
	IPC *ipc.Manager

	// InputQueue, OutputQueues and ConfigurationQueue let a caller
	// supply already-built channels instead of having the manager
	// generate them.
	InputQueue         *ipc.Channel
	GenerateInputQueue  bool
	OutputQueues        []*ipc.Channel
	OutputQueueCount    int
	GenerateOutputQueue bool
	ConfigurationQueue         *ipc.Channel
	GenerateConfigurationQueue bool

	// BoundedQueues and QueueCapacity configure generated channels.
	BoundedQueues bool
	QueueCapacity int

	Daemon              bool
	SpreadStopSignal    bool
	SpreadWaitSignal    bool
	TargetedProcessing  *bool // nil means the default of true
	DelayMessageSharing bool
	SharingDelay        time.Duration
	DelayShutdown       bool
	ShutdownDelay       time.Duration
	FetchDelay          time.Duration
	RaiseException      bool

	// WorkerFunc is the "worker class": the user logic every spawned
	// worker invokes for non-control payloads. Required before start
	// or spawn will succeed.
	WorkerFunc worker.Func

	// InputDatasets, OutputDatasets and ConfigurationDatasets are
	// drained onto their respective channels, in order, right after
	// Start moves every created worker to Running.
	InputDatasets         []any
	OutputDatasets        []any
	ConfigurationDatasets []any

	// Extras carries any option not recognized above; forwarded
	// verbatim to every spawned worker and readable via Manager.Attr.
	Extras extras.Map

	Metrics *metrics.Collector
	Log     *logrus.Entry
}

func (c Config) targetedProcessing() bool {
	if c.TargetedProcessing == nil {
		return true
	}
	return *c.TargetedProcessing
}

func (c Config) poolName() string {
	if c.PoolName == "" {
		return DefaultStdName
	}
	return c.PoolName
}

func (c Config) outputQueueCount() int {
	if c.OutputQueueCount < 1 {
		return 1
	}
	return c.OutputQueueCount
}
