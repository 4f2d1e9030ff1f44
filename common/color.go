package common

// ANSI colors for terminal dumps.
const (
	ColorReset       = "\033[0m"
	ColorGreen       = "\033[32m"
	ColorYellow      = "\033[33m"
	ColorMagenta     = "\033[35m"
	ColorGray        = "\033[90m"
	ColorBrightWhite = "\033[97m"
)

// Colorize wraps s in color and a reset.
func Colorize(color, s string) string {
	return color + s + ColorReset
}
