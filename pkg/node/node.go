// Package node identifies this engine instance in the compliance trail.
package node

import (
	"os"

	"github.com/denisbrodbeck/machineid"
)

const appID = "order-core"

// ID returns a stable per-host identifier. The raw machine id is hashed with
// the app id so it is never written out verbatim. Hosts without a machine id
// fall back to the hostname.
func ID() string {
	if id, err := machineid.ProtectedID(appID); err == nil && id != "" {
		return id[:16]
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}
