package main

import "sync"

// NotificationKind identifies a one-way message to presentation layers.
type NotificationKind int

const (
	NotifyCallAnswered NotificationKind = iota
	NotifyCallDisconnected
	NotifyMuteChanged
	NotifyCallStateChanged
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyCallAnswered:
		return "call-answered"
	case NotifyCallDisconnected:
		return "call-disconnected"
	case NotifyMuteChanged:
		return "mute-state-changed"
	default:
		return "call-state-changed"
	}
}

// Notification is a single fire-and-forget message from the coordinator.
type Notification struct {
	Kind     NotificationKind
	CallID   string
	IsRemote bool
	Muted    bool
}

// Notifier receives coordinator state changes for presentation layers.
// Calls are fire-and-forget; no acknowledgement is expected and
// implementations must not block the caller.
type Notifier interface {
	CallAnswered(callID string)
	CallDisconnected(callID string, isRemote bool)
	MuteChanged(callID string, muted bool)
	CallStateChanged(callID string, state CallState)
}

// logNotifier writes every notification to the core log.
type logNotifier struct{}

func (logNotifier) CallAnswered(callID string) {
	coreLog.Infof("call %s answered", callID)
}

func (logNotifier) CallDisconnected(callID string, isRemote bool) {
	coreLog.Infof("call %s disconnected (remote=%v)", callID, isRemote)
}

func (logNotifier) MuteChanged(callID string, muted bool) {
	coreLog.Infof("call %s mute state changed: %v", callID, muted)
}

func (logNotifier) CallStateChanged(callID string, state CallState) {
	coreLog.Infof("call %s state changed: %s", callID, state)
}

// ChannelNotifier buffers notifications on a channel for local
// consumers. Notifications are dropped when the buffer is full rather
// than blocking the coordinator.
type ChannelNotifier struct {
	mu      sync.Mutex
	ch      chan Notification
	dropped int64
}

// NewChannelNotifier creates a notifier backed by a buffered channel.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelNotifier{ch: make(chan Notification, buffer)}
}

// C returns the channel notifications are delivered on.
func (n *ChannelNotifier) C() <-chan Notification { return n.ch }

// Dropped returns how many notifications were discarded on overflow.
func (n *ChannelNotifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

func (n *ChannelNotifier) deliver(msg Notification) {
	select {
	case n.ch <- msg:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		coreLog.Warnf("notification dropped: buffer full (%s for call %s)", msg.Kind, msg.CallID)
	}
}

func (n *ChannelNotifier) CallAnswered(callID string) {
	n.deliver(Notification{Kind: NotifyCallAnswered, CallID: callID})
}

func (n *ChannelNotifier) CallDisconnected(callID string, isRemote bool) {
	n.deliver(Notification{Kind: NotifyCallDisconnected, CallID: callID, IsRemote: isRemote})
}

func (n *ChannelNotifier) MuteChanged(callID string, muted bool) {
	n.deliver(Notification{Kind: NotifyMuteChanged, CallID: callID, Muted: muted})
}

func (n *ChannelNotifier) CallStateChanged(callID string, state CallState) {
	n.deliver(Notification{Kind: NotifyCallStateChanged, CallID: callID})
}

// multiNotifier fans a notification out to several notifiers.
type multiNotifier []Notifier

func (m multiNotifier) CallAnswered(callID string) {
	for _, n := range m {
		n.CallAnswered(callID)
	}
}

func (m multiNotifier) CallDisconnected(callID string, isRemote bool) {
	for _, n := range m {
		n.CallDisconnected(callID, isRemote)
	}
}

func (m multiNotifier) MuteChanged(callID string, muted bool) {
	for _, n := range m {
		n.MuteChanged(callID, muted)
	}
}

func (m multiNotifier) CallStateChanged(callID string, state CallState) {
	for _, n := range m {
		n.CallStateChanged(callID, state)
	}
}
