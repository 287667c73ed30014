//go:build !darwin

package notify

// NewDesktopSender returns nil off macOS; BuildSenders skips it.
func NewDesktopSender() Sender {
	return nil
}
