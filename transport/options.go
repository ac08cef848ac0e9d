package transport

import (
	"github.com/wippyai/graphwire"
	"github.com/wippyai/graphwire/errors"
	"github.com/wippyai/graphwire/linearize"
	"github.com/wippyai/graphwire/wire"
)

// Sender defaults.
const (
	DefaultSendCredits     = 64
	DefaultPendingCapacity = 64
	DefaultSignalInterval  = 16
	DefaultCopyThreshold   = 256
	DefaultLowSendSize     = 4096
	DefaultStagingBytes    = 1 << 20
	DefaultRegionRequest   = 4
	DefaultControlReceives = 16
)

// Receiver defaults.
const (
	DefaultReceives          = 64
	DefaultRepostThreshold   = 16
	DefaultRegions           = 4
	DefaultSegmentSize       = 64 << 10
	DefaultMetadataRingBytes = 1 << 20
	DefaultCommitBytes       = 4096
)

// Options configures a Sender. Zero fields take defaults.
type Options struct {
	// Pinner, when set, pins source ranges written without copying until
	// the send that wrote them completes.
	Pinner graphwire.Pinner
	// TypeTable is announced once, in the first metadata message of the
	// connection.
	TypeTable []wire.TypeEntry
	Budget    linearize.Budget

	SendCredits     uint32
	PendingCapacity int
	SignalInterval  uint32
	// CopyThreshold is the interval size below which payload is staged.
	CopyThreshold uint32
	// LowSendSize is the staged size that triggers a flush.
	LowSendSize  uint32
	StagingBytes uint32
	// RegionRequest is the number of regions asked for at once.
	RegionRequest uint32
	// ControlReceives is the number of receives kept posted for the
	// receiver's control messages.
	ControlReceives uint32
}

func (o Options) withDefaults() Options {
	if o.SendCredits == 0 {
		o.SendCredits = DefaultSendCredits
	}
	if o.PendingCapacity == 0 {
		o.PendingCapacity = DefaultPendingCapacity
	}
	if o.SignalInterval == 0 {
		o.SignalInterval = DefaultSignalInterval
	}
	if o.CopyThreshold == 0 {
		o.CopyThreshold = DefaultCopyThreshold
	}
	if o.LowSendSize == 0 {
		o.LowSendSize = DefaultLowSendSize
	}
	if o.StagingBytes == 0 {
		o.StagingBytes = DefaultStagingBytes
	}
	if o.RegionRequest == 0 {
		o.RegionRequest = DefaultRegionRequest
	}
	if o.ControlReceives == 0 {
		o.ControlReceives = DefaultControlReceives
	}
	return o
}

// chunkLimit is the largest staged write.
func (o Options) chunkLimit() uint32 { return o.LowSendSize + o.CopyThreshold }

// Validate checks o after defaults are applied.
func (o Options) Validate() error {
	o = o.withDefaults()
	switch {
	case o.PendingCapacity < 0:
		return errors.InvalidInput(errors.PhaseConfig, "pending capacity is negative")
	case o.CopyThreshold > o.LowSendSize:
		return errors.InvalidInput(errors.PhaseConfig, "copy threshold exceeds low send size")
	case uint64(o.StagingBytes) < uint64(o.SignalInterval+1)*uint64(o.chunkLimit()):
		// every unsignaled flush may hold staging space until the next
		// signaled completion
		return errors.InvalidInput(errors.PhaseConfig, "staging ring smaller than a signal interval of flushes")
	}
	return nil
}

// ReceiverOptions configures a Receiver. Zero fields take defaults.
type ReceiverOptions struct {
	Receives        uint32
	RepostThreshold uint32
	// Regions is the number of regions granted in the handshake.
	Regions           uint32
	SegmentSize       uint32
	MetadataRingBytes uint32
	// CommitBytes is the consumed metadata that triggers a commit.
	CommitBytes uint32
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	if o.Receives == 0 {
		o.Receives = DefaultReceives
	}
	if o.RepostThreshold == 0 {
		o.RepostThreshold = DefaultRepostThreshold
	}
	if o.Regions == 0 {
		o.Regions = DefaultRegions
	}
	if o.SegmentSize == 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.MetadataRingBytes == 0 {
		o.MetadataRingBytes = DefaultMetadataRingBytes
	}
	if o.CommitBytes == 0 {
		o.CommitBytes = DefaultCommitBytes
	}
	return o
}

// repostThreshold clamps the threshold so that a small receive window is
// still replenished before the sender runs dry.
func (o ReceiverOptions) repostThreshold() uint32 {
	t := o.RepostThreshold
	if half := o.Receives / 2; t > half {
		t = half
	}
	if t == 0 {
		t = 1
	}
	return t
}

// Validate checks o after defaults are applied.
func (o ReceiverOptions) Validate() error {
	o = o.withDefaults()
	switch {
	case uint64(o.CommitBytes)*4 > uint64(o.MetadataRingBytes):
		return errors.InvalidInput(errors.PhaseConfig, "commit bytes exceed a quarter of the metadata ring")
	case o.MetadataRingBytes < wire.HeaderSize:
		return errors.InvalidInput(errors.PhaseConfig, "metadata ring cannot hold a header")
	case o.MetadataRingBytes > wire.TokenMask:
		return errors.InvalidInput(errors.PhaseConfig, "metadata ring exceeds the token space")
	case o.Receives > wire.TokenMask:
		return errors.InvalidInput(errors.PhaseConfig, "receive window exceeds the token space")
	}
	return nil
}
