// Package env reports small facts about the process environment that
// other packages use to adjust error verbosity and defaults.
package env

import "os"

// IsDev reports whether the server is running under a local development
// environment, as opposed to a deployed one. Several packages use this to
// decide whether to return a detailed error message or a generic one.
func IsDev() bool {
	return os.Getenv("COLLABD_DEV") != ""
}
