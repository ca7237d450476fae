//go:build !linux

package daemon

import "context"

// Start is a no-op where logind is not available.
func (m *SleepMonitor) Start(context.Context) {}
