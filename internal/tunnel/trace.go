package tunnel

import (
	"fmt"

	"github.com/armon/circbuf"
)

// Stats counts traffic on one stream.
type Stats struct {
	MsgsSent          uint64
	MsgsReceived      uint64
	BytesSent         uint64
	BytesReceived     uint64
	FragmentsSent     uint64
	FragmentsReceived uint64
	Retransmits       uint64
	Duplicates        uint64
	GapsSkipped       uint64
	AcksSent          uint64
	QueueMsgsSent     uint64
	QueueMsgsReceived uint64
}

// tracer keeps the last few kilobytes of protocol events for diagnostics.
type tracer struct {
	buf *circbuf.Buffer
}

func newTracer(size int64) tracer {
	if size <= 0 {
		return tracer{}
	}
	buf, err := circbuf.NewBuffer(size)
	if err != nil {
		return tracer{}
	}
	return tracer{buf: buf}
}

func (t tracer) printf(format string, args ...any) {
	if t.buf == nil {
		return
	}
	fmt.Fprintf(t.buf, format+"\n", args...)
}

func (t tracer) String() string {
	if t.buf == nil {
		return ""
	}
	return t.buf.String()
}
