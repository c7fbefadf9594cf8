package bus

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/worldstate/internal/event"
)

// EntryID identifies a log entry. It orders by MS, then Seq.
type EntryID struct {
	MS  int64
	Seq int64
}

// String renders "ms-seq".
func (id EntryID) String() string {
	return fmt.Sprintf("%d-%d", id.MS, id.Seq)
}

// IsZero reports whether id is the position before the first entry.
func (id EntryID) IsZero() bool {
	return id.MS == 0 && id.Seq == 0
}

// Less reports whether id sorts before other.
func (id EntryID) Less(other EntryID) bool {
	if id.MS != other.MS {
		return id.MS < other.MS
	}
	return id.Seq < other.Seq
}

// next is the smallest id after id.
func (id EntryID) next() EntryID {
	return EntryID{MS: id.MS, Seq: id.Seq + 1}
}

// ParseEntryID parses "ms-seq". A bare "ms" means "ms-0".
func ParseEntryID(s string) (EntryID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil || ms < 0 {
		return EntryID{}, fmt.Errorf("parse entry id %q: bad milliseconds", s)
	}
	var seq int64
	if hasSeq {
		seq, err = strconv.ParseInt(seqPart, 10, 64)
		if err != nil || seq < 0 {
			return EntryID{}, fmt.Errorf("parse entry id %q: bad sequence", s)
		}
	}
	return EntryID{MS: ms, Seq: seq}, nil
}

func (id EntryID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *EntryID) UnmarshalText(text []byte) error {
	parsed, err := ParseEntryID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Entry is one appended batch as read by a consumer.
type Entry struct {
	ID         EntryID
	Events     []event.Event
	Deliveries int
}

// Delivered stamps each event with its unique id and the entry time.
func (e Entry) Delivered() []event.Delivered {
	out := make([]event.Delivered, len(e.Events))
	entry := e.ID.String()
	ts := time.UnixMilli(e.ID.MS).UTC()
	for i, ev := range e.Events {
		out[i] = event.Delivered{
			Event:     ev,
			ID:        fmt.Sprintf("%s-%d", entry, i),
			Entry:     entry,
			Timestamp: ts,
		}
	}
	return out
}
