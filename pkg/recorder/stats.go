package recorder

import (
	"sync/atomic"
	"time"
)

type StreamStatistics struct {
	UnitsSubmitted  uint64
	UnitsDropped    uint64
	UnitsEncoded    uint64
	PacketsProduced uint64
	EncodeDuration  time.Duration
	QueueDepthMax   uint64
}

// Statistics is a point-in-time snapshot of the pipeline counters.
// EncodeDuration is populated only when Config.Profiling is enabled.
type Statistics struct {
	Video            StreamStatistics
	Audio            StreamStatistics
	PacketsMuxed     uint64
	BytesCountWrote  uint64
	MuxQueueDepthMax uint64
}

type CommonsStreamStatistics struct {
	UnitsSubmitted  atomic.Uint64
	UnitsDropped    atomic.Uint64
	UnitsEncoded    atomic.Uint64
	PacketsProduced atomic.Uint64
	EncodeDuration  atomic.Uint64
	QueueDepthMax   atomic.Uint64
}

func (stats *CommonsStreamStatistics) Convert() StreamStatistics {
	return StreamStatistics{
		UnitsSubmitted:  stats.UnitsSubmitted.Load(),
		UnitsDropped:    stats.UnitsDropped.Load(),
		UnitsEncoded:    stats.UnitsEncoded.Load(),
		PacketsProduced: stats.PacketsProduced.Load(),
		EncodeDuration:  time.Duration(stats.EncodeDuration.Load()),
		QueueDepthMax:   stats.QueueDepthMax.Load(),
	}
}

type CommonsStatistics struct {
	Video            CommonsStreamStatistics
	Audio            CommonsStreamStatistics
	PacketsMuxed     atomic.Uint64
	BytesCountWrote  atomic.Uint64
	MuxQueueDepthMax atomic.Uint64
}

func (stats *CommonsStatistics) Convert() Statistics {
	return Statistics{
		Video:            stats.Video.Convert(),
		Audio:            stats.Audio.Convert(),
		PacketsMuxed:     stats.PacketsMuxed.Load(),
		BytesCountWrote:  stats.BytesCountWrote.Load(),
		MuxQueueDepthMax: stats.MuxQueueDepthMax.Load(),
	}
}

func updateMax(counter *atomic.Uint64, observed uint64) {
	for {
		current := counter.Load()
		if observed <= current {
			return
		}
		if counter.CompareAndSwap(current, observed) {
			return
		}
	}
}
