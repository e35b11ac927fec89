package upstream

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// Client identification headers the cloud code-assist API expects on every
// call (§4.4, §4.1 discovery). Adapted from the teacher's
// internal/config/constants.go AntigravityHeaders/getClientMetadata, with the
// hardcoded OAuth client secret and the rest of that file's unrelated
// proxy-specific constants dropped — this package only needs the headers
// identifying the caller as the Antigravity client.
const (
	ideTypeAntigravity = 6
	pluginTypeGemini   = 2

	platformUnspecified = 0
	platformWindows     = 1
	platformLinux       = 2
	platformMacOS       = 3
)

func clientHeaders() map[string]string {
	return map[string]string{
		"User-Agent":         platformUserAgent(),
		"X-Goog-Api-Client":  "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":    clientMetadata(),
	}
}

func platformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

func clientMetadata() string {
	platform := platformUnspecified
	switch runtime.GOOS {
	case "darwin":
		platform = platformMacOS
	case "windows":
		platform = platformWindows
	case "linux":
		platform = platformLinux
	}
	data, _ := json.Marshal(map[string]int{
		"ideType":    ideTypeAntigravity,
		"platform":   platform,
		"pluginType": pluginTypeGemini,
	})
	return string(data)
}

func applyClientHeaders(set func(key, value string)) {
	for k, v := range clientHeaders() {
		set(k, v)
	}
}

// ApplyClientHeaders sets the Antigravity client identification headers via
// set. Exported so internal/token's discovery calls (which hit the same
// cloud code-assist API outside of this package's Chat/StreamChat) can
// present the same client identity.
func ApplyClientHeaders(set func(key, value string)) {
	applyClientHeaders(set)
}
