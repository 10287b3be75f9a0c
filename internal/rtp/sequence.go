package rtp

// sequenceTracker follows RTP sequence numbers across 16-bit wraparound,
// maintaining an extended 32-bit counter so loss is computed correctly over
// rollovers.
type sequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32
	lost        uint64
	received    uint64
}

// update records a received sequence number. It returns the extended 32-bit
// sequence (rollover count in the upper bits) and how many packets were lost
// since the previous one.
func (s *sequenceTracker) update(seq uint16) (extended uint32, lost int) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return uint32(seq), 0
	}

	// Forward distance in uint16 space, reinterpreted as signed for
	// direction, per RFC 3550.
	udiff := seq - s.lastSeq
	diff := int16(udiff)

	// diff <= 0 is a reordered or duplicate packet. It must not move the
	// tracker position, or the next in-order packet counts as loss.
	if diff <= 0 {
		return (s.cycles << 16) | uint32(seq), 0
	}

	if diff > 1 {
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}
	if s.lastSeq > 0xF000 && seq < 0x1000 {
		s.cycles++
	}
	s.lastSeq = seq
	return (s.cycles << 16) | uint32(seq), lost
}

// stats returns cumulative received and lost packet counts.
func (s *sequenceTracker) stats() (received, lost uint64) {
	return s.received, s.lost
}
