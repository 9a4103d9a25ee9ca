// Package attribution resolves who is speaking when a message is ingested
// from the command line without an explicit sender.
package attribution

import (
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Unknown is returned when no sender can be detected.
const Unknown = "unknown"

var (
	cachedName string
	once       sync.Once
)

// DetectSender returns the best available sender id.
// Checks in order: EVERMEM_SENDER env, USER env, git config user.name, "unknown".
// The result is cached after the first call.
func DetectSender() string {
	once.Do(func() {
		cachedName = detectSenderUncached()
	})
	return cachedName
}

func detectSenderUncached() string {
	if name := strings.TrimSpace(os.Getenv("EVERMEM_SENDER")); name != "" {
		return name
	}
	if name := strings.TrimSpace(os.Getenv("USER")); name != "" {
		return name
	}
	if name := gitUserName(); name != "" {
		return name
	}
	return Unknown
}

// gitUserName runs `git config --get user.name`. Empty on any error.
func gitUserName() string {
	out, err := exec.Command("git", "config", "--get", "user.name").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
