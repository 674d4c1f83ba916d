package conn

// CloseReason classifies why a connection ended.
type CloseReason string

const (
	CloseGeneric         CloseReason = "closed"
	CloseTimeout         CloseReason = "timeout"
	CloseRestartRequired CloseReason = "restart_required"
	CloseConnectionLost  CloseReason = "connection_lost"
	CloseLoggedOut       CloseReason = "logged_out"
	CloseReplaced        CloseReason = "replaced"
	CloseBanned          CloseReason = "banned"
	CloseQRTimeout       CloseReason = "qr_timeout"
	CloseRequested       CloseReason = "requested"
)

// Terminal reports whether the account must be re-paired. Terminal closes
// purge credentials.
func (r CloseReason) Terminal() bool {
	return r == CloseLoggedOut || r == CloseReplaced
}

// ShouldReconnect reports whether the close is transient.
func (r CloseReason) ShouldReconnect() bool {
	switch r {
	case CloseGeneric, CloseTimeout, CloseRestartRequired, CloseConnectionLost:
		return true
	default:
		return false
	}
}
