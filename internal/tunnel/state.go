package tunnel

import "fmt"

// Phase is the externally visible lifecycle of a stream.
type Phase uint8

const (
	PhaseOpening Phase = iota
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpening:
		return "OPENING"
	case PhaseOpen:
		return "OPEN"
	case PhaseClosing:
		return "CLOSING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("PHASE(%d)", uint8(p))
	}
}

type state uint8

const (
	stateNotOpen state = iota
	stateWaitRefresh
	stateOpen
	stateSendFin
	stateWaitFinAck
	stateWaitFinalFinAck
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateNotOpen:
		return "not_open"
	case stateWaitRefresh:
		return "wait_refresh"
	case stateOpen:
		return "open"
	case stateSendFin:
		return "send_fin"
	case stateWaitFinAck:
		return "wait_fin_ack"
	case stateWaitFinalFinAck:
		return "wait_final_fin_ack"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s state) phase() Phase {
	switch s {
	case stateNotOpen, stateWaitRefresh:
		return PhaseOpening
	case stateOpen:
		return PhaseOpen
	case stateSendFin, stateWaitFinAck, stateWaitFinalFinAck:
		return PhaseClosing
	default:
		return PhaseClosed
	}
}
