// adapsync keeps reminders created through the WhatsApp finance bot in sync
// with the users' Google Calendars.
//
// Usage:
//
//	adapsync init [--config <path>]         # interactive configuration wizard
//	adapsync serve [--config <path>]        # retry coordinator + admin HTTP API
//	adapsync sync-once [--config <path>]    # one retry pass then exit
//	adapsync health [--config <path>]       # print sync health as JSON
//	adapsync disconnect <user-id>           # revoke and forget a user's calendar
//	adapsync version                        # print version
package main

import (
	"log/slog"
	"os"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd(version).Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}
