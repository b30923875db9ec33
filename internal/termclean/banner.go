package termclean

import "strings"

// Color is an SGR foreground color used for terminal banners.
type Color string

const (
	Red    Color = "31"
	Yellow Color = "33"
	Green  Color = "32"
	Cyan   Color = "36"
)

// Banner renders msg as a colored block suitable for writing straight to a
// terminal surface. Each line is wrapped in its own SGR pair so the color
// survives terminals that reset attributes on newline.
func Banner(color Color, msg string) string {
	var b strings.Builder
	b.WriteString("\r\n")
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		b.WriteString("\x1b[")
		b.WriteString(string(color))
		b.WriteString("m")
		b.WriteString(line)
		b.WriteString("\x1b[0m\r\n")
	}
	return b.String()
}
