package bwindex

import (
	"strconv"
	"strings"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

// Table maps a canonical fingerprint to that relay's bandwidth history,
// sorted ascending by date once parsing completes.
type Table map[string][]domain.BandwidthEntry

// parserState enumerates the line state machine's two states. A record
// boundary resets accumulated fields; fields only accumulate in-record.
type parserState int

const (
	stateAwaitingRecord parserState = iota
	stateInRecord
)

// parser is the streaming descriptor state machine. It consumes one line
// at a time and is independent of whatever produces the decompressed
// stream, so it can be tested against plain string input.
type parser struct {
	state parserState

	fingerprint string
	published   string
	bandwidth   int64
	haveBW      bool
	emitted     bool

	table Table
}

func newParser() *parser {
	return &parser{table: make(Table)}
}

// boundary resets the accumulator. Called on every "router" line and at
// each archive file boundary.
func (p *parser) boundary() {
	p.state = stateAwaitingRecord
	p.fingerprint = ""
	p.published = ""
	p.bandwidth = 0
	p.haveBW = false
	p.emitted = false
}

func (p *parser) consume(line string) {
	if strings.HasPrefix(line, "router ") {
		p.boundary()
		p.state = stateInRecord
		return
	}
	if p.state != stateInRecord {
		return
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	// Old descriptors prefix optional keywords with "opt".
	if fields[0] == "opt" && len(fields) > 1 {
		fields = fields[1:]
	}

	switch fields[0] {
	case "fingerprint":
		// Fingerprint lines carry the hex in space-separated groups of 4.
		fp, err := domain.NormalizeFingerprint(strings.Join(fields[1:], ""))
		if err == nil {
			p.fingerprint = fp
		}
	case "published":
		// "published YYYY-MM-DD HH:MM:SS"; only the calendar date is kept.
		if len(fields) >= 2 && len(fields[1]) == len("2006-01-02") {
			p.published = fields[1]
		}
	case "bandwidth":
		// "bandwidth <average> <burst> <observed>"; the third numeric
		// field is the relay's observed bandwidth.
		if len(fields) >= 4 {
			v, err := strconv.ParseInt(fields[3], 10, 64)
			// MaxInt32 is a known overflow sentinel; leave the
			// bandwidth unset so this record emits nothing.
			if err == nil && v >= 0 && v != domain.BogusBandwidth {
				p.bandwidth = v
				p.haveBW = true
			}
		}
	default:
		return
	}

	p.maybeEmit()
}

// maybeEmit appends one BandwidthEntry the moment all three fields are
// present, at most once per record.
func (p *parser) maybeEmit() {
	if p.emitted || p.fingerprint == "" || p.published == "" || !p.haveBW {
		return
	}
	p.table[p.fingerprint] = append(p.table[p.fingerprint], domain.BandwidthEntry{
		Date:      p.published,
		Bandwidth: p.bandwidth,
	})
	p.emitted = true
}

// finish sorts every fingerprint's entries ascending by date. Source order
// is publish order, which is not monotonic across archive boundaries.
func (p *parser) finish() Table {
	for _, entries := range p.table {
		domain.SortBandwidthEntries(entries)
	}
	return p.table
}
