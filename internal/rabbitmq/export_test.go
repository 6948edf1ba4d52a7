package rabbitmq

// Hooks for the external rabbitmq_test package.

var IsPreconditionFailed = isPreconditionFailed

// Session returns the current connection and channel, nil when disconnected
func (cm *ConnectionManager) Session() (Connection, Channel) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.conn, cm.channel
}

// ListenerCount returns the number of registered state listeners
func (cm *ConnectionManager) ListenerCount() int {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return len(cm.stateListeners)
}
