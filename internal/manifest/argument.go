package manifest

import "strings"

// Argument is one element of a container command line.
// Positional tokens such as the binary name have an empty Name.
type Argument struct {
	Name     string
	Value    string
	HasValue bool
}

// ParseArgument parses "--name=value", "--name" or a positional token.
func ParseArgument(raw string) Argument {
	if !strings.HasPrefix(raw, "-") {
		return Argument{Value: raw, HasValue: true}
	}
	body := strings.TrimLeft(raw, "-")
	if body == "" {
		return Argument{Value: raw, HasValue: true}
	}
	if name, value, ok := strings.Cut(body, "="); ok {
		return Argument{Name: name, Value: value, HasValue: true}
	}
	return Argument{Name: body}
}

// Positional reports whether a is a bare token rather than a flag.
func (a Argument) Positional() bool {
	return a.Name == ""
}

// String renders the argument in --name=value form.
func (a Argument) String() string {
	if a.Positional() {
		return a.Value
	}
	if !a.HasValue {
		return "--" + a.Name
	}
	return "--" + a.Name + "=" + a.Value
}

// ParseArguments parses a command sequence.
func ParseArguments(raw []string) []Argument {
	args := make([]Argument, len(raw))
	for i, r := range raw {
		args[i] = ParseArgument(r)
	}
	return args
}

// FormatArguments renders a command sequence.
func FormatArguments(args []Argument) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.String()
	}
	return out
}

// Lookup returns the last occurrence of flag name, which is the one the
// component's flag parser keeps.
func Lookup(args []Argument, name string) (Argument, bool) {
	name = normalizeName(name)
	for i := len(args) - 1; i >= 0; i-- {
		if args[i].Name == name {
			return args[i], true
		}
	}
	return Argument{}, false
}

func normalizeName(name string) string {
	return strings.TrimLeft(strings.TrimSpace(name), "-")
}
