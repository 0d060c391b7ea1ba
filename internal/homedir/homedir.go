package homedir

import (
	"os"
	"os/user"
)

// Get returns the current user's home directory.  It is used only for
// default paths, so when no home can be determined it falls back to
// the current directory rather than failing.
func Get() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	if usr, err := user.Current(); err == nil && usr.HomeDir != "" {
		return usr.HomeDir
	}
	return "."
}
