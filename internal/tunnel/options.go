package tunnel

import (
	"time"

	"github.com/danmuck/mdreactor/internal/auth"
	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/tunnel/cos"
	"github.com/danmuck/mdreactor/internal/tunnel/reliability"
	"github.com/danmuck/mdreactor/internal/tunnel/wire"
)

// Writer sends generic messages on the stream's channel.
type Writer interface {
	WriteMsg(m *protocol.Msg) error
}

// WriterFunc adapts a function into a Writer.
type WriterFunc func(m *protocol.Msg) error

func (f WriterFunc) WriteMsg(m *protocol.Msg) error {
	return f(m)
}

// Message is one reassembled application message.
type Message struct {
	ContainerType protocol.ContainerType
	Payload       []byte
}

// StatusEvent reports a lifecycle change. Err is set for warnings and for
// the single fatal event that ends a stream.
type StatusEvent struct {
	Phase   Phase
	State   protocol.State
	Err     error
	Fatal   bool
	Warning bool
}

// Callbacks run on the reactor goroutine. Any of them may be nil.
type Callbacks struct {
	OnStatus   func(s *Stream, ev StatusEvent)
	OnMsg      func(s *Stream, msg Message)
	OnQueueMsg func(s *Stream, q wire.QueueMsg)
}

// Config holds the timers and limits shared by every stream of a reactor.
type Config struct {
	RequestTimeout          time.Duration
	MaxRequestRetries       int
	FinAckTimeout           time.Duration
	MaxFinRetries           int
	CloseTimeout            time.Duration
	GuaranteedOutputBuffers int
	TraceBytes              int64
	AutoAckQueueData        bool
	Reliability             reliability.Config
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:          15 * time.Second,
		MaxRequestRetries:       3,
		FinAckTimeout:           time.Second,
		MaxFinRetries:           3,
		CloseTimeout:            10 * time.Second,
		GuaranteedOutputBuffers: 50,
		TraceBytes:              4096,
		AutoAckQueueData:        true,
		Reliability:             reliability.DefaultConfig(),
	}
}

// OpenOptions describe a consumer-initiated stream.
type OpenOptions struct {
	StreamID  int32
	Domain    protocol.Domain
	ServiceID uint16
	Name      string
	COS       cos.ClassOfService
	// Login is required when COS authentication is OMM login.
	Login    *auth.Login
	UserSpec any
	Callbacks
}

// AcceptOptions describe how a provider answers an open request.
type AcceptOptions struct {
	COS       cos.ClassOfService
	Validator auth.Validator
	UserSpec  any
	Callbacks
}
