// ABOUTME: Version constants for the player
// ABOUTME: Reported to the server in the hello handshake
package version

const (
	Version      = "0.3.0"
	Product      = "Sendspin Player Core"
	Manufacturer = "Sendspin"
)
