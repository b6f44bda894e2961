package sms

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Message is a complete inbound text.
type Message struct {
	Sender   string
	Body     string
	Received time.Time
}

// Segment is one part of an inbound multipart message.
type Segment struct {
	Sender   string
	Ref      int
	Part     int
	Total    int
	Text     string
	Received time.Time
}

// DefaultReassemblyWindow bounds how long a partial message is held.
const DefaultReassemblyWindow = 5 * time.Minute

type partial struct {
	seen  map[int]bool
	texts []string
	first time.Time
}

// Reassembler joins segments that share a sender and reference. Parts are
// concatenated in arrival order.
type Reassembler struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*partial
	now     func() time.Time
}

// NewReassembler creates a Reassembler that drops partial messages older than
// window. window <= 0 selects DefaultReassemblyWindow.
func NewReassembler(window time.Duration) *Reassembler {
	if window <= 0 {
		window = DefaultReassemblyWindow
	}
	return &Reassembler{
		window:  window,
		pending: make(map[string]*partial),
		now:     time.Now,
	}
}

func segmentKey(sender string, ref int) string {
	return sender + "/" + strconv.Itoa(ref)
}

// Add records seg. When it completes a message the message is returned with
// true. Single-part segments complete immediately; duplicate parts are
// ignored.
func (r *Reassembler) Add(seg Segment) (Message, bool) {
	received := seg.Received
	if received.IsZero() {
		received = r.now()
	}
	if seg.Total <= 1 {
		return Message{Sender: seg.Sender, Body: seg.Text, Received: received}, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := segmentKey(seg.Sender, seg.Ref)
	p, ok := r.pending[key]
	if !ok {
		p = &partial{seen: make(map[int]bool), first: received}
		r.pending[key] = p
	}
	if p.seen[seg.Part] {
		return Message{}, false
	}
	p.seen[seg.Part] = true
	p.texts = append(p.texts, seg.Text)

	if len(p.texts) < seg.Total {
		return Message{}, false
	}
	delete(r.pending, key)
	return Message{Sender: seg.Sender, Body: strings.Join(p.texts, ""), Received: p.first}, true
}

// Prune drops partial messages older than the window and returns how many
// were dropped.
func (r *Reassembler) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	n := 0
	for key, p := range r.pending {
		if p.first.Before(cutoff) {
			delete(r.pending, key)
			n++
		}
	}
	return n
}

// Pending returns the number of incomplete messages.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
