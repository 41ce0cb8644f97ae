package constants

import "strings"

// Fixed subfolder names. Other tooling depends on these.
const (
	DirRequests  = "requests"
	DirPrepared  = "prepared"
	DirResponses = "responses"

	DirProcessed = "processed"
	DirFailed    = "failed"
	DirOverlimit = "overlimit"
	DirSign      = "sign"
	DirError     = "error"
	DirSent      = "sent"
)

// GatewayReserved are outbound subfolders owned by the gateway itself.
var GatewayReserved = []string{DirSent, DirError}

const (
	ExtXML = ".xml"
	ExtZip = ".zip"
	ExtSig = ".sig"
)

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
