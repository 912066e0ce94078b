// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"fmt"
)

// parseState enumerates the parser's states and MSG-argument substates,
// per spec §4.2.
type parseState int

const (
	opStart parseState = iota
	opI
	opIN
	opINF
	opINFO
	opINFOSpc
	opP
	opPI
	opPIN
	opPING
	opPO
	opPON
	opPONG
	opM
	opMS
	opMSG
	opMSGSpc
	msgArgs
	msgPayload
	msgEnd
	opP_ // unused; +OK/-ERR are handled by the opPlus*/opMinus* states below.
	opPlus
	opPlusO
	opPlusOK
	opMinus
	opMinusE
	opMinusER
	opMinusERR
	opMinusERRSpc
	minusErrArg
)

// msgArg holds a parsed MSG line's arguments, reused across parses via the
// parser's scratch fields to avoid per-message allocation when possible.
type msgArg struct {
	subject []byte
	reply   []byte
	sid     uint64
	size    int
}

// event is a single decoded protocol occurrence, handed to the Conn's
// dispatcher by parse().
type event struct {
	kind eventKind
	info []byte // INFO json payload
	err  []byte // -ERR text
	msg  *Msg
	sid  uint64 // subscription id the msg was addressed to, valid when kind == evMsg
}

type eventKind int

const (
	evNone eventKind = iota
	evInfo
	evMsg
	evPing
	evPong
	evOK
	evErr
)

// parser is the connection's stateful byte parser. It never holds a
// reference into the caller's read buffer across calls: any line or
// payload that doesn't fully fit in one Parse() call is copied into the
// scratch buffer, per the Parser-never-holds-a-cross-call-reference
// invariant in spec §3.
type parser struct {
	state parseState
	scratch []byte
	drop  int // bytes of trailing CRLF/etc still to be consumed.

	ma msgArg

	asCRLF int // how many CRLF bytes already seen while in msgEnd.
}

func (ps *parser) reset() {
	ps.state = opStart
	ps.scratch = ps.scratch[:0]
	ps.ma = msgArg{}
}

// parse consumes buf, appending any decoded events to out, and returns the
// updated slice along with an error if the input was malformed (a fatal
// protocolError per spec §4.2 error policy).
func (ps *parser) parse(buf []byte, out []event) ([]event, error) {
	var i int
	for i = 0; i < len(buf); i++ {
		b := buf[i]

		switch ps.state {
		case opStart:
			switch b {
			case 'I', 'i':
				ps.state = opI
			case 'M', 'm':
				ps.state = opM
			case 'P', 'p':
				ps.state = opP
			case '+':
				ps.state = opPlus
			case '-':
				ps.state = opMinus
			case '\r', '\n':
				// tolerate stray CR/LF between ops.
			default:
				return out, ps.fail(buf, i)
			}

		case opI:
			if lower(b) != 'n' {
				return out, ps.fail(buf, i)
			}
			ps.state = opIN
		case opIN:
			if lower(b) != 'f' {
				return out, ps.fail(buf, i)
			}
			ps.state = opINF
		case opINF:
			if lower(b) != 'o' {
				return out, ps.fail(buf, i)
			}
			ps.state = opINFO
		case opINFO:
			if b != ' ' && b != '\t' {
				return out, ps.fail(buf, i)
			}
			ps.state = opINFOSpc
			ps.scratch = ps.scratch[:0]
		case opINFOSpc:
			if b == '\r' {
				continue
			}
			if b == '\n' {
				out = append(out, event{kind: evInfo, info: cloneBytes(ps.scratch)})
				ps.reset()
				continue
			}
			ps.scratch = append(ps.scratch, b)

		case opP:
			switch lower(b) {
			case 'i':
				ps.state = opPI
			case 'o':
				ps.state = opPO
			default:
				return out, ps.fail(buf, i)
			}
		case opPI:
			if lower(b) != 'n' {
				return out, ps.fail(buf, i)
			}
			ps.state = opPIN
		case opPIN:
			if lower(b) != 'g' {
				return out, ps.fail(buf, i)
			}
			ps.state = opPING
		case opPING:
			if b == '\r' {
				continue
			}
			if b == '\n' {
				out = append(out, event{kind: evPing})
				ps.state = opStart
			}
		case opPO:
			if lower(b) != 'n' {
				return out, ps.fail(buf, i)
			}
			ps.state = opPON
		case opPON:
			if lower(b) != 'g' {
				return out, ps.fail(buf, i)
			}
			ps.state = opPONG
		case opPONG:
			if b == '\r' {
				continue
			}
			if b == '\n' {
				out = append(out, event{kind: evPong})
				ps.state = opStart
			}

		case opM:
			if lower(b) != 's' {
				return out, ps.fail(buf, i)
			}
			ps.state = opMS
		case opMS:
			if lower(b) != 'g' {
				return out, ps.fail(buf, i)
			}
			ps.state = opMSG
		case opMSG:
			if b != ' ' && b != '\t' {
				return out, ps.fail(buf, i)
			}
			ps.state = opMSGSpc
			ps.scratch = ps.scratch[:0]
		case opMSGSpc:
			if b == ' ' || b == '\t' {
				continue
			}
			ps.state = msgArgs
			fallthrough
		case msgArgs:
			if b == '\r' {
				continue
			}
			if b == '\n' {
				if err := ps.parseMsgArgs(ps.scratch); err != nil {
					return out, err
				}
				ps.state = msgPayload
				ps.scratch = ps.scratch[:0]
				continue
			}
			ps.scratch = append(ps.scratch, b)

		case msgPayload:
			need := ps.ma.size - len(ps.scratch)
			avail := len(buf) - i
			n := need
			if avail < n {
				n = avail
			}
			ps.scratch = append(ps.scratch, buf[i:i+n]...)
			i += n - 1
			if len(ps.scratch) >= ps.ma.size {
				m := &Msg{
					Subject: string(ps.ma.subject),
					Reply:   string(ps.ma.reply),
					Data:    cloneBytes(ps.scratch),
				}
				out = append(out, event{kind: evMsg, msg: m, sid: ps.ma.sid})
				ps.state = msgEnd
				ps.asCRLF = 0
			}

		case msgEnd:
			// consume the trailing CRLF after the payload.
			if b == '\r' {
				continue
			}
			if b == '\n' {
				ps.reset()
				continue
			}
			// Anything else right after the payload is a framing error.
			return out, ps.fail(buf, i)

		case opPlus:
			if lower(b) != 'o' {
				return out, ps.fail(buf, i)
			}
			ps.state = opPlusO
		case opPlusO:
			if lower(b) != 'k' {
				return out, ps.fail(buf, i)
			}
			ps.state = opPlusOK
		case opPlusOK:
			if b == '\r' {
				continue
			}
			if b == '\n' {
				out = append(out, event{kind: evOK})
				ps.state = opStart
			}

		case opMinus:
			if lower(b) != 'e' {
				return out, ps.fail(buf, i)
			}
			ps.state = opMinusE
		case opMinusE:
			if lower(b) != 'r' {
				return out, ps.fail(buf, i)
			}
			ps.state = opMinusER
		case opMinusER:
			if lower(b) != 'r' {
				return out, ps.fail(buf, i)
			}
			ps.state = opMinusERR
		case opMinusERR:
			if b != ' ' && b != '\t' {
				return out, ps.fail(buf, i)
			}
			ps.state = opMinusERRSpc
			ps.scratch = ps.scratch[:0]
		case opMinusERRSpc:
			if b == ' ' || b == '\t' {
				continue
			}
			ps.state = minusErrArg
			fallthrough
		case minusErrArg:
			if b == '\r' {
				continue
			}
			if b == '\n' {
				out = append(out, event{kind: evErr, err: cloneBytes(trimQuotes(ps.scratch))})
				ps.reset()
				continue
			}
			ps.scratch = append(ps.scratch, b)

		default:
			return out, ps.fail(buf, i)
		}
	}
	return out, nil
}

func (ps *parser) fail(buf []byte, i int) error {
	return newErrorf(KindProtocolError, "parse error at byte %d: %q", i, buf[i])
}

// parseMsgArgs decodes a MSG header line already stripped of its leading
// "MSG " token: "<subject> <sid> [reply] <size>".
func (ps *parser) parseMsgArgs(line []byte) error {
	args := splitArgs(line)
	switch len(args) {
	case 3:
		ps.ma.subject = cloneBytes(args[0])
		sid, err := parseUint(args[1])
		if err != nil {
			return newError(KindProtocolError, "invalid sid in MSG")
		}
		ps.ma.sid = sid
		ps.ma.reply = nil
		size, err := parseInt(args[2])
		if err != nil || size < 0 {
			return newError(KindProtocolError, "invalid size in MSG")
		}
		ps.ma.size = size
	case 4:
		ps.ma.subject = cloneBytes(args[0])
		sid, err := parseUint(args[1])
		if err != nil {
			return newError(KindProtocolError, "invalid sid in MSG")
		}
		ps.ma.sid = sid
		ps.ma.reply = cloneBytes(args[2])
		size, err := parseInt(args[3])
		if err != nil || size < 0 {
			return newError(KindProtocolError, "invalid size in MSG")
		}
		ps.ma.size = size
	default:
		return newErrorf(KindProtocolError, "invalid MSG arguments: %q", line)
	}
	return nil
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func splitArgs(line []byte) [][]byte {
	var args [][]byte
	start := -1
	for i, b := range line {
		if b == ' ' || b == '\t' {
			if start >= 0 {
				args = append(args, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		args = append(args, line[start:])
	}
	return args
}

func parseUint(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("empty")
	}
	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a digit")
		}
		n = n*10 + uint64(c-'0')
	}
	return n, nil
}

func parseInt(b []byte) (int, error) {
	n, err := parseUint(b)
	return int(n), err
}

func trimQuotes(b []byte) []byte {
	if len(b) >= 2 && b[0] == '\'' && b[len(b)-1] == '\'' {
		return b[1 : len(b)-1]
	}
	return b
}
