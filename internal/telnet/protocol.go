// Package telnet implements the client side of RFC 854 option negotiation on
// top of a byte stream, plus prompt-driven auto-login.
package telnet

// Commands.
const (
	IAC  byte = 255
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250
	GA   byte = 249
	NOP  byte = 241
	SE   byte = 240
)

// Options.
const (
	OptEcho  byte = 1
	OptSGA   byte = 3
	OptTType byte = 24
	OptNAWS  byte = 31
)

const (
	ttypeIs   byte = 0
	ttypeSend byte = 1
)

const defaultTermType = "XTERM-256COLOR"

type parseState int

const (
	stateData parseState = iota
	stateIAC
	stateWill
	stateWont
	stateDo
	stateDont
	stateSB
	stateSBData
	stateSBIAC
)

// negotiator strips IAC sequences from the inbound stream and produces the
// replies owed to the server. Option state is remembered per side so that a
// server repeating a request does not get an answer loop.
type negotiator struct {
	state    parseState
	sbOpt    byte
	sbBuf    []byte
	termType string
	cols     int
	rows     int

	local  map[byte]bool // options we have agreed (WILL) or refused (WONT)
	remote map[byte]bool // options the server has been told DO or DONT
	naws   bool
}

func newNegotiator(cols, rows int, termType string) *negotiator {
	if termType == "" {
		termType = defaultTermType
	}
	return &negotiator{
		termType: termType,
		cols:     cols,
		rows:     rows,
		local:    make(map[byte]bool),
		remote:   make(map[byte]bool),
	}
}

// process consumes raw bytes. It returns the application data with protocol
// bytes removed and any replies to write back.
func (n *negotiator) process(raw []byte) (data, replies []byte) {
	for _, b := range raw {
		switch n.state {
		case stateData:
			if b == IAC {
				n.state = stateIAC
				continue
			}
			data = append(data, b)

		case stateIAC:
			n.state = stateData
			switch b {
			case IAC:
				data = append(data, IAC)
			case WILL:
				n.state = stateWill
			case WONT:
				n.state = stateWont
			case DO:
				n.state = stateDo
			case DONT:
				n.state = stateDont
			case SB:
				n.state = stateSB
			}

		case stateWill:
			n.state = stateData
			replies = append(replies, n.onWill(b)...)
		case stateWont:
			n.state = stateData
			replies = append(replies, n.onWont(b)...)
		case stateDo:
			n.state = stateData
			replies = append(replies, n.onDo(b)...)
		case stateDont:
			n.state = stateData
			replies = append(replies, n.onDont(b)...)

		case stateSB:
			n.sbOpt = b
			n.sbBuf = n.sbBuf[:0]
			n.state = stateSBData
		case stateSBData:
			if b == IAC {
				n.state = stateSBIAC
				continue
			}
			n.sbBuf = append(n.sbBuf, b)
		case stateSBIAC:
			switch b {
			case SE:
				n.state = stateData
				replies = append(replies, n.onSubnegotiation()...)
			case IAC:
				n.sbBuf = append(n.sbBuf, IAC)
				n.state = stateSBData
			default:
				n.state = stateSBData
			}
		}
	}
	return data, replies
}

func (n *negotiator) onDo(opt byte) []byte {
	switch opt {
	case OptSGA, OptTType, OptNAWS:
		if enabled, seen := n.local[opt]; seen && enabled {
			return nil
		}
		n.local[opt] = true
		reply := []byte{IAC, WILL, opt}
		if opt == OptNAWS {
			n.naws = true
			reply = append(reply, nawsMessage(n.cols, n.rows)...)
		}
		return reply
	}
	if enabled, seen := n.local[opt]; seen && !enabled {
		return nil
	}
	n.local[opt] = false
	return []byte{IAC, WONT, opt}
}

func (n *negotiator) onDont(opt byte) []byte {
	if !n.local[opt] {
		n.local[opt] = false
		return nil
	}
	n.local[opt] = false
	if opt == OptNAWS {
		n.naws = false
	}
	return []byte{IAC, WONT, opt}
}

func (n *negotiator) onWill(opt byte) []byte {
	switch opt {
	case OptEcho, OptSGA:
		if enabled, seen := n.remote[opt]; seen && enabled {
			return nil
		}
		n.remote[opt] = true
		return []byte{IAC, DO, opt}
	}
	if enabled, seen := n.remote[opt]; seen && !enabled {
		return nil
	}
	n.remote[opt] = false
	return []byte{IAC, DONT, opt}
}

func (n *negotiator) onWont(opt byte) []byte {
	if !n.remote[opt] {
		n.remote[opt] = false
		return nil
	}
	n.remote[opt] = false
	return []byte{IAC, DONT, opt}
}

func (n *negotiator) onSubnegotiation() []byte {
	if n.sbOpt != OptTType || len(n.sbBuf) == 0 || n.sbBuf[0] != ttypeSend {
		return nil
	}
	out := []byte{IAC, SB, OptTType, ttypeIs}
	out = append(out, n.termType...)
	return append(out, IAC, SE)
}

// resize records a new window size and returns the NAWS message to send, or
// nil if the server has not asked for window size updates.
func (n *negotiator) resize(cols, rows int) []byte {
	n.cols, n.rows = cols, rows
	if !n.naws {
		return nil
	}
	return nawsMessage(cols, rows)
}

// nawsMessage builds IAC SB NAWS <w16> <h16> IAC SE, doubling any 0xFF byte.
func nawsMessage(cols, rows int) []byte {
	msg := []byte{IAC, SB, OptNAWS}
	for _, b := range []byte{byte(cols >> 8), byte(cols), byte(rows >> 8), byte(rows)} {
		msg = append(msg, b)
		if b == IAC {
			msg = append(msg, IAC)
		}
	}
	return append(msg, IAC, SE)
}

// escape doubles every IAC byte in application data.
func escape(p []byte) []byte {
	n := 0
	for _, b := range p {
		if b == IAC {
			n++
		}
	}
	if n == 0 {
		return p
	}
	out := make([]byte, 0, len(p)+n)
	for _, b := range p {
		out = append(out, b)
		if b == IAC {
			out = append(out, IAC)
		}
	}
	return out
}
