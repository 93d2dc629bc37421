// ABOUTME: Entry point for the mesh-bridge server and its report and admin commands
// ABOUTME: Exits with a distinct code when persistence keeps failing so a supervisor restarts it

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/2389/mesh-bridge/internal/bridge"
)

// version is set at build time.
var version = "dev"

// exitRestart tells a supervisor the process stopped because the store kept
// failing and a restart may recover it.
const exitRestart = 75

const banner = `
                    _          _          _     _
 _ __ ___   ___ ___| |__      | |__  _ __(_) __| | __ _  ___
| '_ ' _ \ / _ / __| '_ \ ____| '_ \| '__| |/ _' |/ _' |/ _ \
| | | | | |  __\__ | | | |____| |_) | |  | | (_| | (_| |  __/
|_| |_| |_|\___|___|_| |_|    |_.__/|_|  |_|\__,_|\__, |\___|
                                                  |___/
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, bridge.ErrPersistenceFailing) {
			os.Exit(exitRestart)
		}
		os.Exit(1)
	}
}
