package core

// Notifier is an interface to receive changelog notifications. Every
// committed mutation produces exactly one notification in commit order.
type Notifier interface {
	Notify(model string, action Action, payload []byte)
}
