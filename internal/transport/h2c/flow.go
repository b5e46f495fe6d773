package h2c

// RFC 9113 Section 6.9.1.
const maxFlowControlWindow = 1<<31 - 1

// the window every stream and the connection start with
const defaultWindow = 65535

type inflow struct {
	// RFC 9113 6.9.1
	// A sender MUST NOT allow a flow-control window to exceed 2^31-1 octets.
	remaining, queued uint32
}

// received DATA of sz octets, false if the peer overran the window
func (fm *inflow) CheckAndPay(sz uint32) bool {
	if fm.remaining < sz {
		return false
	}
	fm.remaining -= sz
	return true
}

// golang/x/net/http2 says so
const inflowMinRefresh = 4 << 10

// Refund returns consumed octets to the sender, the result is the
// WINDOW_UPDATE increment to send, zero while too little is queued.
func (fm *inflow) Refund(sz uint32) uint32 {
	fm.queued += sz
	if fm.queued < inflowMinRefresh {
		return 0
	}
	windowUpd := fm.queued
	if uint64(fm.remaining)+uint64(windowUpd) > maxFlowControlWindow {
		windowUpd = maxFlowControlWindow - fm.remaining
	}
	fm.queued -= windowUpd
	fm.remaining += windowUpd
	return windowUpd
}

type outflow struct {
	// kept signed, a SETTINGS_INITIAL_WINDOW_SIZE change can push it below zero
	n int32
}

func (fm *outflow) Available() bool {
	// rfc7540 6.9.2.
	// A sender MUST track the negative flow-control window and MUST NOT
	// send new flow-controlled frames until it receives WINDOW_UPDATE
	// frames that cause the flow-control window to become positive.
	return fm.n > 0
}

func (fm *outflow) Pay(sz uint32) uint32 {
	got := sz
	if avail := uint32(fm.n); avail < sz {
		got = avail
	}
	fm.n -= int32(got)
	return got
}

func (fm *outflow) Refund(sz uint32) bool {
	sum := int64(fm.n) + int64(sz)
	if sum > maxFlowControlWindow {
		return false
	}
	fm.n = int32(sum)
	return true
}

// Shift moves the window by the change of SETTINGS_INITIAL_WINDOW_SIZE
func (fm *outflow) Shift(from, to uint32) bool {
	sum := int64(fm.n) + int64(to) - int64(from)
	if sum > maxFlowControlWindow {
		return false
	}
	fm.n = int32(sum)
	return true
}
