package protocol

import "fmt"

// Class identifies the kind of a generic message.
type Class uint8

const (
	ClassRequest Class = 1 + iota
	ClassRefresh
	ClassStatus
	ClassUpdate
	ClassClose
	ClassAck
	ClassGeneric
	ClassPost
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "REQUEST"
	case ClassRefresh:
		return "REFRESH"
	case ClassStatus:
		return "STATUS"
	case ClassUpdate:
		return "UPDATE"
	case ClassClose:
		return "CLOSE"
	case ClassAck:
		return "ACK"
	case ClassGeneric:
		return "GENERIC"
	case ClassPost:
		return "POST"
	default:
		return fmt.Sprintf("CLASS(%d)", uint8(c))
	}
}

// Domain is the message model of a stream.
type Domain uint8

const (
	DomainLogin         Domain = 1
	DomainSource        Domain = 4
	DomainDictionary    Domain = 5
	DomainMarketPrice   Domain = 6
	DomainMarketByOrder Domain = 7
	DomainMarketByPrice Domain = 8
	DomainSymbolList    Domain = 10
	DomainSystem        Domain = 127
)

// ContainerType describes the encoding of a message body.
type ContainerType uint8

const (
	ContainerMin         ContainerType = 128
	ContainerNoData      ContainerType = 128
	ContainerOpaque      ContainerType = 130
	ContainerXML         ContainerType = 131
	ContainerFieldList   ContainerType = 132
	ContainerElementList ContainerType = 133
	ContainerFilterList  ContainerType = 135
	ContainerVector      ContainerType = 136
	ContainerMap         ContainerType = 137
	ContainerSeries      ContainerType = 138
	ContainerMsg         ContainerType = 141
	ContainerJSON        ContainerType = 142
	ContainerMax         ContainerType = 255
)

// StreamState is the provider's view of a stream.
type StreamState uint8

const (
	StreamUnspecified StreamState = iota
	StreamOpen
	StreamNonStreaming
	StreamClosedRecover
	StreamClosed
	StreamRedirected
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "OPEN"
	case StreamNonStreaming:
		return "NON_STREAMING"
	case StreamClosedRecover:
		return "CLOSED_RECOVER"
	case StreamClosed:
		return "CLOSED"
	case StreamRedirected:
		return "REDIRECTED"
	default:
		return "UNSPECIFIED"
	}
}

// IsClosed reports whether no further messages will arrive on the stream.
func (s StreamState) IsClosed() bool {
	return s == StreamClosed || s == StreamClosedRecover || s == StreamRedirected
}

type DataState uint8

const (
	DataNoChange DataState = iota
	DataOK
	DataSuspect
)

// StateCode qualifies a State.
type StateCode uint8

const (
	CodeNone StateCode = iota
	CodeNotFound
	CodeTimeout
	CodeNotEntitled
	CodeInvalidArgument
	CodeUsageError
	CodePreempted
	CodeNoResources
	CodeTooManyItems
	CodeAlreadyOpen
	CodeSourceUnknown
	CodeNotOpen
	CodeNonUpdatingItem
	CodeUnsupportedViewType
	CodeInvalidView
	CodeFullViewProvided
	CodeUnableToRequestAsBatch
	CodeNotAuthorized
	CodeFailoverStarted
	CodeFailoverCompleted
	CodeGapDetected
)

// State is the stream/data state carried on refresh and status messages.
type State struct {
	Stream StreamState
	Data   DataState
	Code   StateCode
	Text   string
}

func (s State) String() string {
	return fmt.Sprintf("%s/%d/%d %q", s.Stream, s.Data, s.Code, s.Text)
}

type Timeliness uint8

const (
	TimelinessUnspecified Timeliness = iota
	TimelinessRealtime
	TimelinessDelayedUnknown
	TimelinessDelayed
)

type Rate uint8

const (
	RateUnspecified Rate = iota
	RateTickByTick
	RateJitConflated
	RateTimeConflated
)

// Qos is the requested or provided quality of service.
type Qos struct {
	Timeliness Timeliness
	Rate       Rate
}

// Validate rejects zero or out-of-range components.
func (q Qos) Validate() error {
	if q.Timeliness == TimelinessUnspecified || q.Timeliness > TimelinessDelayed {
		return fmt.Errorf("%w: timeliness=%d", ErrInvalidQos, q.Timeliness)
	}
	if q.Rate == RateUnspecified || q.Rate > RateTimeConflated {
		return fmt.Errorf("%w: rate=%d", ErrInvalidQos, q.Rate)
	}
	return nil
}

// Priority orders streams on the provider side.
type Priority struct {
	Class uint8
	Count uint16
}

// Key identifies the item a stream carries.
type Key struct {
	Name         string
	ServiceID    uint16
	HasServiceID bool
}

type ViewType uint8

const (
	ViewNone ViewType = iota
	ViewFieldIDList
	ViewElementNameList
)

// View restricts which fields a provider sends for an item.
type View struct {
	Type     ViewType
	FieldIDs []int16
	Names    []string
}

// Validate checks that the view carries only entries of its declared type.
func (v View) Validate() error {
	switch v.Type {
	case ViewFieldIDList:
		if len(v.Names) > 0 {
			return fmt.Errorf("%w: field-id view with names", ErrInvalidView)
		}
	case ViewElementNameList:
		if len(v.FieldIDs) > 0 {
			return fmt.Errorf("%w: name view with field ids", ErrInvalidView)
		}
	default:
		return fmt.Errorf("%w: type=%d", ErrInvalidView, v.Type)
	}
	return nil
}
