package execreg

import "strings"

// PlainArgv splits command into words when it is a plain program
// invocation: whitespace-separated words made only of letters, digits and
// "_-./:@%+,=". Anything else (quotes, expansions, redirections, pipes,
// command separators, globs) needs a shell and reports false.
func PlainArgv(command string) ([]string, bool) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, false
	}
	for _, f := range fields {
		for _, c := range f {
			if !plainRune(c) {
				return nil, false
			}
		}
	}
	return fields, true
}

func plainRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.ContainsRune("_-./:@%+,=", c)
}
