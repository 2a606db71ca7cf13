// Package event defines the provenance-linked unit of discovered data
// that flows through the scan engine. Events form a directed acyclic
// graph: every event except the root references the event that caused
// it, and the root references nothing.
//
// Events are immutable once emitted, with two exceptions: the risk and
// false-positive annotations may be changed by moderation after a scan,
// and duplicate emissions extend the AlsoFrom linkage of the surviving
// event instead of creating a second row.
package event

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// NoSource is the Source index of the root event.
const NoSource = -1

// Event is a single discovered fact. Within a scan, events live in an
// append-only sequence; ID and Source are indexes into that sequence,
// which keeps provenance traversal cheap and serialization trivial.
type Event struct {
	// ID is the event's index in the scan's append-only sequence.
	ID int `json:"id"`

	// Type is the event's place in the type vocabulary.
	Type Type `json:"type"`

	// Data is the discovered value. The dispatcher bounds its size.
	Data string `json:"data"`

	// Module names the producing module. Empty for the root event.
	Module string `json:"module,omitempty"`

	// Source is the index of the event that caused this one, or
	// NoSource for the root. It is a back-reference for traversal and
	// attribution only; ownership stays with the scan.
	Source int `json:"source"`

	// AlsoFrom lists additional source indexes recorded when a
	// duplicate of this event was emitted by another path.
	AlsoFrom []int `json:"also_from,omitempty"`

	// Depth is the distance from the root event.
	Depth int `json:"depth"`

	// Confidence (0-100) is the producing module's certainty.
	Confidence int `json:"confidence"`

	// Visibility (0-100) reflects how public the data source is.
	Visibility int `json:"visibility"`

	// Risk (0-100) is the assessed severity of the fact.
	Risk int `json:"risk"`

	// FalsePositive marks the event as moderated out.
	FalsePositive bool `json:"false_positive,omitempty"`

	// Hash is the content fingerprint of (type, data, module) used for
	// de-duplication within a scan.
	Hash uint64 `json:"hash"`

	// Created is when the event was accepted by the dispatcher.
	Created time.Time `json:"created"`
}

// IsRoot reports whether this is the scan's synthetic seed event.
func (e *Event) IsRoot() bool {
	return e.Source == NoSource && e.Module == ""
}

// HashString renders the fingerprint in the fixed-width hex form used
// in logs and exports.
func (e *Event) HashString() string {
	return strconv.FormatUint(e.Hash, 16)
}

// Fingerprint computes the de-duplication hash for a (type, data,
// module) triple. Two events with equal fingerprints are the same fact
// discovered twice, regardless of which earlier event led to them.
func Fingerprint(t Type, data, module string) uint64 {
	d := xxhash.New()
	d.WriteString(string(t))
	d.WriteString("|")
	d.WriteString(data)
	d.WriteString("|")
	d.WriteString(module)
	return d.Sum64()
}

// Field returns a named attribute of the event as a string, for use by
// declarative matchers. Unknown fields return ("", false).
func (e *Event) Field(name string) (string, bool) {
	switch name {
	case "type":
		return string(e.Type), true
	case "data":
		return e.Data, true
	case "module":
		return e.Module, true
	case "risk":
		return strconv.Itoa(e.Risk), true
	case "confidence":
		return strconv.Itoa(e.Confidence), true
	case "visibility":
		return strconv.Itoa(e.Visibility), true
	default:
		return "", false
	}
}
