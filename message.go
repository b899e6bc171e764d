package mps

// MessageKind classifies a queued Message.
type MessageKind int

const (
	MessageFinalization MessageKind = iota
	MessageGCStart
	MessageGCEnd
)

func (k MessageKind) String() string {
	switch k {
	case MessageFinalization:
		return "FINALIZATION"
	case MessageGCStart:
		return "GC_START"
	case MessageGCEnd:
		return "GC_END"
	default:
		return "MessageKind(?)"
	}
}

// Message is a client-polled notification. Only the fields relevant to its
// Kind are meaningful.
type Message struct {
	kind MessageKind

	// FinalizationRef is populated for MessageFinalization: the (possibly
	// already-reclaimed) address that was registered with Arena.Finalize.
	FinalizationRef Address

	// Live, Condemned, NotCondemned report the trace's accounting at the
	// point this message was generated, for MessageGCStart/MessageGCEnd.
	Live         Size
	Condemned    Size
	NotCondemned Size
	Reason       string

	discarded bool
}

// Kind returns the message's type.
func (m *Message) Kind() MessageKind { return m.kind }

// Discard marks the message consumed. A discarded message may be reused by
// the allocator; callers must not retain it.
func (m *Message) Discard() { m.discarded = true }

// Finalize registers addr so that, if the object it identifies is not
// otherwise reachable by the end of a collection that condemns it, a
// MessageFinalization message is queued instead of the object being
// silently reclaimed. Finalization in this design does not resurrect the
// object for one extra cycle the way some collectors do: the message is
// queued in the same pass the object would otherwise have been freed in
// (see DESIGN.md).
func (a *Arena) Finalize(addr Address) error {
	if a.finalized == nil {
		a.finalized = make(map[Address]struct{})
	}
	a.finalized[addr] = struct{}{}
	return nil
}

// Definalize cancels a prior Finalize for addr.
func (a *Arena) Definalize(addr Address) error {
	delete(a.finalized, addr)
	return nil
}

// MessageTypeEnable enables delivery of messages of the given kind. Kinds
// start disabled; an Arena that never enables a kind never queues messages
// of it, matching mps_message_type_enable's default-off behavior.
func (a *Arena) MessageTypeEnable(kind MessageKind) { a.messageEnabled[kind] = true }

// MessageTypeDisable disables delivery of messages of the given kind.
func (a *Arena) MessageTypeDisable(kind MessageKind) { a.messageEnabled[kind] = false }

// enqueueMessage appends msg to the queue if its kind is enabled.
func (a *Arena) enqueueMessage(msg *Message) {
	if !a.messageEnabled[msg.kind] {
		return
	}
	a.messages = append(a.messages, msg)
}

// MessagePoll returns the oldest queued, non-discarded message of the given
// kind, or (nil, false) if none is queued.
func (a *Arena) MessagePoll(kind MessageKind) (*Message, bool) {
	for _, m := range a.messages {
		if !m.discarded && m.kind == kind {
			return m, true
		}
	}
	return nil, false
}

// gcMessage emits a MessageGCStart or MessageGCEnd with t's accounting, if
// that kind is enabled.
func (t *Trace) gcMessage(kind MessageKind, reason string) {
	t.arena.enqueueMessage(&Message{
		kind:         kind,
		Live:         t.preserved,
		Condemned:    t.condemned,
		NotCondemned: 0,
		Reason:       reason,
	})
}
