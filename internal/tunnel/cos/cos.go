// Package cos holds the class of service negotiated between two tunnel
// stream endpoints.
package cos

import (
	"errors"
	"fmt"
)

type AuthenticationType uint8

const (
	AuthNotRequired AuthenticationType = 0
	AuthOMMLogin    AuthenticationType = 1
)

type FlowControlType uint8

const (
	FlowControlNone          FlowControlType = 0
	FlowControlBidirectional FlowControlType = 1
)

type DataIntegrityType uint8

const (
	DataIntegrityBestEffort DataIntegrityType = 0
	DataIntegrityReliable   DataIntegrityType = 1
)

type GuaranteeType uint8

const (
	GuaranteeNone            GuaranteeType = 0
	GuaranteePersistentQueue GuaranteeType = 1
)

const (
	ProtocolRWF uint8 = 0

	// CurrentStreamVersion is the first version that carries fragmentation
	// fields in the DATA header.
	CurrentStreamVersion uint32 = 2

	DefaultMaxMsgSize      = 6144
	DefaultMaxFragmentSize = 6144

	// DefaultWindow is used when a window size is left at -1.
	DefaultWindow = 2 * DefaultMaxFragmentSize
)

var (
	ErrImmutable = errors.New("cos: class of service is frozen")
	ErrInvalid   = errors.New("cos: invalid class of service")
)

type Common struct {
	MaxMsgSize           int
	MaxFragmentSize      int
	SupportFragmentation bool
	ProtocolType         uint8
	ProtocolMajor        uint8
	ProtocolMinor        uint8
	StreamVersion        uint32
}

type FlowControl struct {
	Type FlowControlType
	// Window sizes are in payload bytes; -1 selects DefaultWindow.
	RecvWindowSize int32
	SendWindowSize int32
}

type Guarantee struct {
	Type           GuaranteeType
	PersistLocally bool
	FilePath       string
}

// ClassOfService is the negotiated contract of one tunnel stream.
type ClassOfService struct {
	Common         Common
	Authentication AuthenticationType
	FlowControl    FlowControl
	DataIntegrity  DataIntegrityType
	Guarantee      Guarantee

	frozen bool
}

func defaults() ClassOfService {
	return ClassOfService{
		Common: Common{
			MaxMsgSize:           DefaultMaxMsgSize,
			MaxFragmentSize:      DefaultMaxFragmentSize,
			SupportFragmentation: true,
			ProtocolType:         ProtocolRWF,
			ProtocolMajor:        14,
			ProtocolMinor:        1,
			StreamVersion:        CurrentStreamVersion,
		},
		FlowControl: FlowControl{RecvWindowSize: -1, SendWindowSize: -1},
	}
}

// DefaultConsumer is a reliable, flow-controlled consumer COS.
func DefaultConsumer() ClassOfService {
	c := defaults()
	c.FlowControl.Type = FlowControlBidirectional
	c.DataIntegrity = DataIntegrityReliable
	return c
}

// DefaultProvider is the COS a provider accepts with unless overridden.
func DefaultProvider() ClassOfService {
	return DefaultConsumer()
}

// Clear resets c to the zero-configuration defaults and unfreezes it.
func (c *ClassOfService) Clear() {
	*c = defaults()
}

// Copy returns an unfrozen copy.
func (c *ClassOfService) Copy() ClassOfService {
	out := *c
	out.frozen = false
	return out
}

// Freeze marks the COS immutable for the life of its stream.
func (c *ClassOfService) Freeze() {
	c.frozen = true
}

func (c *ClassOfService) Frozen() bool {
	return c.frozen
}

// Update applies fn to c unless c is frozen.
func (c *ClassOfService) Update(fn func(*ClassOfService)) error {
	if c.frozen {
		return ErrImmutable
	}
	fn(c)
	return nil
}

// RecvWindow resolves the receive window, applying the default for -1.
func (c *ClassOfService) RecvWindow() int {
	return window(c.FlowControl.RecvWindowSize, c.Common.MaxFragmentSize)
}

func (c *ClassOfService) SendWindow() int {
	return window(c.FlowControl.SendWindowSize, c.Common.MaxFragmentSize)
}

func window(v int32, frag int) int {
	if v >= 0 {
		if int(v) < frag {
			// A window smaller than one fragment could never open.
			return frag
		}
		return int(v)
	}
	if frag > 0 {
		return 2 * frag
	}
	return DefaultWindow
}

// Validate checks internal consistency.
func (c *ClassOfService) Validate() error {
	if c.Common.MaxMsgSize <= 0 {
		return fmt.Errorf("%w: max msg size %d", ErrInvalid, c.Common.MaxMsgSize)
	}
	if c.Common.MaxFragmentSize <= 0 || c.Common.MaxFragmentSize > c.Common.MaxMsgSize {
		return fmt.Errorf("%w: max fragment size %d", ErrInvalid, c.Common.MaxFragmentSize)
	}
	if c.FlowControl.Type == FlowControlBidirectional {
		if c.FlowControl.RecvWindowSize < -1 || c.FlowControl.SendWindowSize < -1 {
			return fmt.Errorf("%w: negative window", ErrInvalid)
		}
	}
	if c.Guarantee.Type == GuaranteePersistentQueue {
		if c.DataIntegrity != DataIntegrityReliable {
			return fmt.Errorf("%w: persistent queue requires reliable data integrity", ErrInvalid)
		}
		if c.Authentication != AuthOMMLogin {
			return fmt.Errorf("%w: persistent queue requires OMM login authentication", ErrInvalid)
		}
		if c.Guarantee.PersistLocally && c.Guarantee.FilePath == "" {
			return fmt.Errorf("%w: persist locally without file path", ErrInvalid)
		}
	}
	return nil
}

// Negotiate returns the COS both sides will use: the provider decides the
// message and fragment sizes, the stream version is the lower of the two,
// and each side's send window is the other side's receive window.
func Negotiate(consumer, provider ClassOfService) (ClassOfService, error) {
	if consumer.DataIntegrity != provider.DataIntegrity {
		return ClassOfService{}, fmt.Errorf("%w: data integrity mismatch", ErrInvalid)
	}
	if consumer.Guarantee.Type != provider.Guarantee.Type {
		return ClassOfService{}, fmt.Errorf("%w: guarantee mismatch", ErrInvalid)
	}
	if consumer.Authentication != provider.Authentication {
		return ClassOfService{}, fmt.Errorf("%w: authentication mismatch", ErrInvalid)
	}
	out := consumer.Copy()
	out.Common.MaxMsgSize = provider.Common.MaxMsgSize
	out.Common.MaxFragmentSize = provider.Common.MaxFragmentSize
	out.Common.SupportFragmentation = consumer.Common.SupportFragmentation && provider.Common.SupportFragmentation
	if provider.Common.StreamVersion < out.Common.StreamVersion {
		out.Common.StreamVersion = provider.Common.StreamVersion
	}
	if consumer.FlowControl.Type != provider.FlowControl.Type {
		out.FlowControl.Type = FlowControlNone
	}
	out.FlowControl.SendWindowSize = provider.FlowControl.RecvWindowSize
	if err := out.Validate(); err != nil {
		return ClassOfService{}, err
	}
	return out, nil
}
