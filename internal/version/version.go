// Package version holds build identity, set at link time via -ldflags.
package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/aio/gateway/theme"
)

var (
	Name        = "aio-gateway"
	Description = "multi-provider AI-CLI proxy gateway"
	Version     = "v0.0.1"
	Commit      = "none"
	Date        = "nowish"
)

const (
	GithubHomeText = "github.com/aio/gateway"
	GithubHomeUri  = "https://github.com/aio/gateway"
)

// PrintVersionInfo writes a short banner to vlog; extendedInfo appends the
// build provenance lines used by --version.
func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	homeUri := theme.Hyperlink(GithubHomeUri, GithubHomeText)

	var b strings.Builder
	b.WriteString(theme.ColourSplash(fmt.Sprintf("%s %s", Name, Version)))
	b.WriteString(" - ")
	b.WriteString(Description)
	b.WriteString("\n")
	b.WriteString(theme.StyleUrl(homeUri))

	if extendedInfo {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf(" Commit: %s\n", Commit))
		b.WriteString(fmt.Sprintf("  Built: %s", Date))
	}

	vlog.Println(b.String())
}
