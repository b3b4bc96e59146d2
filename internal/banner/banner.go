// Package banner prints the startup banner shown when the player daemon
// comes up, summarising the effective configuration.
package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
 __  __           _     _ _
|  \/  | ___ _ __(_) __| (_) __ _ _ __
| |\/| |/ _ \ '__| |/ _` + "`" + ` | |/ _` + "`" + ` | '_ \
| |  | |  __/ |  | | (_| | | (_| | | | |
|_|  |_|\___|_|  |_|\__,_|_|\__,_|_| |_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine is one "label : value" row printed under the logo.
type ConfigLine struct {
	Label string
	Value string
}

// Print renders the banner, the given title, and an aligned config table.
func Print(title string, lines []ConfigLine) {
	fmt.Println(logo)
	fmt.Println(title)

	maxLen := 0
	for _, l := range lines {
		if len(l.Label) > maxLen {
			maxLen = len(l.Label)
		}
	}
	for _, l := range lines {
		fmt.Printf("  %s%s : %s\n", l.Label, strings.Repeat(" ", maxLen-len(l.Label)), l.Value)
	}

	fmt.Println()
	fmt.Println(footer)
	fmt.Println()
}
