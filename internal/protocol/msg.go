package protocol

import (
	"slices"

	"github.com/danmuck/mdreactor/internal/protocol/schema"
)

// Flags are the behavioral flags of a message.
type Flags uint32

const (
	FlagStreaming Flags = 1 << iota
	FlagNoRefresh
	FlagPause
	FlagRefreshComplete
	FlagSolicited
	FlagPrivateStream
	FlagClearCache
	FlagMsgComplete
	FlagQualifiedStream
	FlagAckRequested
)

// Presence bits say which optional members of a Msg are set.
const (
	HasSeqNum          = schema.PresSeqNum
	HasSecondarySeqNum = schema.PresSecondarySeqNum
	HasKeyName         = schema.PresKeyName
	HasKeyServiceID    = schema.PresKeyServiceID
	HasExtendedHeader  = schema.PresExtendedHeader
	HasState           = schema.PresState
	HasQos             = schema.PresQos
	HasPriority        = schema.PresPriority
	HasView            = schema.PresView
	HasPartNum         = schema.PresPartNum
)

// Msg is one generic message. After Decode, ExtendedHeader and Body alias
// the decoded buffer; call Clone to keep them past the next read.
type Msg struct {
	Class         Class
	StreamID      int32
	Domain        Domain
	ContainerType ContainerType
	Flags         Flags
	Present       uint32

	SeqNum          uint32
	SecondarySeqNum uint32
	PartNum         uint16

	Key            Key
	ExtendedHeader []byte
	State          State
	Qos            Qos
	Priority       Priority
	View           View

	Body []byte
}

func (m *Msg) Has(bit uint32) bool {
	return m.Present&bit != 0
}

func (m *Msg) Is(f Flags) bool {
	return m.Flags&f != 0
}

func (m *Msg) SetSeqNum(n uint32) {
	m.SeqNum = n
	m.Present |= HasSeqNum
}

func (m *Msg) SetSecondarySeqNum(n uint32) {
	m.SecondarySeqNum = n
	m.Present |= HasSecondarySeqNum
}

func (m *Msg) SetPartNum(n uint16) {
	m.PartNum = n
	m.Present |= HasPartNum
}

func (m *Msg) SetKeyName(name string) {
	m.Key.Name = name
	m.Present |= HasKeyName
}

func (m *Msg) SetServiceID(id uint16) {
	m.Key.ServiceID = id
	m.Key.HasServiceID = true
	m.Present |= HasKeyServiceID
}

func (m *Msg) SetExtendedHeader(b []byte) {
	m.ExtendedHeader = b
	m.Present |= HasExtendedHeader
}

func (m *Msg) SetState(s State) {
	m.State = s
	m.Present |= HasState
}

func (m *Msg) SetQos(q Qos) {
	m.Qos = q
	m.Present |= HasQos
}

func (m *Msg) SetPriority(p Priority) {
	m.Priority = p
	m.Present |= HasPriority
}

func (m *Msg) SetView(v View) {
	m.View = v
	m.Present |= HasView
}

func (m *Msg) ClearView() {
	m.View = View{}
	m.Present &^= HasView
}

// Reset clears every member so the value can be reused.
func (m *Msg) Reset() {
	*m = Msg{}
}

// Clone returns a deep copy that owns all of its buffers.
func (m *Msg) Clone() *Msg {
	out := *m
	out.ExtendedHeader = slices.Clone(m.ExtendedHeader)
	out.Body = slices.Clone(m.Body)
	out.View.FieldIDs = slices.Clone(m.View.FieldIDs)
	out.View.Names = slices.Clone(m.View.Names)
	return &out
}
