package daemon

import (
	"fmt"
	"strconv"
	"strings"
)

// Verb names a control request.
type Verb string

const (
	VerbList           Verb = "list"
	VerbShow           Verb = "show"
	VerbDisconnect     Verb = "disc"
	VerbConnect        Verb = "conn"
	VerbAddAuto        Verb = "auto"
	VerbDropAuto       Verb = "xauto"
	VerbConfigure      Verb = "conf"
	VerbHealth         Verb = "health"
	VerbConnectionName Verb = "cname"
	VerbState          Verb = "state"
	VerbReload         Verb = "reload"
	VerbUnknown        Verb = ""
)

// Responses with a protocol meaning rather than text for the user.
const (
	NeedPassphrase = "needpp"

	StateConnected = "connected"
	StateIdle      = "idle"
	StateParked    = "parked"
)

var knownVerbs = map[string]Verb{
	string(VerbList):           VerbList,
	string(VerbShow):           VerbShow,
	string(VerbDisconnect):     VerbDisconnect,
	string(VerbConnect):        VerbConnect,
	string(VerbAddAuto):        VerbAddAuto,
	string(VerbDropAuto):       VerbDropAuto,
	string(VerbConfigure):      VerbConfigure,
	string(VerbHealth):         VerbHealth,
	string(VerbConnectionName): VerbConnectionName,
	string(VerbState):          VerbState,
	string(VerbReload):         VerbReload,
}

// Command is one parsed request line.
type Command struct {
	Verb       Verb
	ESSID      string
	Passphrase string
	Priority   int
	Raw        string
}

// ProtocolError reports a request whose verb is known but whose arguments
// cannot be used.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "Malformed request: " + e.Reason
}

// Redacted renders the command for logs without the passphrase.
func (c Command) Redacted() string {
	switch c.Verb {
	case VerbConnect, VerbConfigure:
		pass := ""
		if c.Passphrase != "" {
			pass = "[MASKED]"
		}
		return fmt.Sprintf("%s %q %q", c.Verb, c.ESSID, pass)
	case VerbAddAuto:
		return fmt.Sprintf("%s %q %d", c.Verb, c.ESSID, c.Priority)
	case VerbDropAuto:
		return fmt.Sprintf("%s %q", c.Verb, c.ESSID)
	case VerbUnknown:
		return c.Raw
	}
	return string(c.Verb)
}

// FormatRequest builds the request line a client sends. Clients always
// send all three arguments; the daemon ignores the ones a verb does not use.
func FormatRequest(verb Verb, essid, passphrase string, priority int) string {
	return fmt.Sprintf("%s %s %s %d", verb, strconv.Quote(essid), strconv.Quote(passphrase), priority)
}

// Parse reads a request line: a verb followed by arguments, where quoted
// arguments use Go string syntax. Quotes inside a quoted argument that are
// not followed by a space are kept literally, and trailing arguments a verb
// does not use are ignored. An unknown verb is not an error; it parses to
// VerbUnknown. Only verbs that take arguments have them split and checked.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")
	cmd := Command{Raw: line}

	trimmed := strings.TrimLeft(line, " \t")
	end := strings.IndexAny(trimmed, " \t")
	if end < 0 {
		end = len(trimmed)
	}
	verb, ok := knownVerbs[trimmed[:end]]
	if !ok {
		return cmd, nil
	}
	cmd.Verb = verb

	switch verb {
	case VerbConnect, VerbConfigure, VerbAddAuto, VerbDropAuto:
	default:
		return cmd, nil
	}

	args, err := splitArgs(trimmed[end:])
	if err != nil {
		return cmd, err
	}

	arg := func(i int) string {
		if i < len(args) {
			return args[i]
		}
		return ""
	}

	switch verb {
	case VerbConnect:
		cmd.ESSID, cmd.Passphrase = arg(0), arg(1)
	case VerbConfigure:
		cmd.ESSID, cmd.Passphrase = arg(0), arg(1)
		if cmd.ESSID == "" {
			return cmd, &ProtocolError{Reason: "missing ESSID"}
		}
	case VerbDropAuto:
		cmd.ESSID = arg(0)
		if cmd.ESSID == "" {
			return cmd, &ProtocolError{Reason: "missing ESSID"}
		}
	case VerbAddAuto:
		cmd.ESSID = arg(0)
		if cmd.ESSID == "" {
			return cmd, &ProtocolError{Reason: "missing ESSID"}
		}
		if p := arg(2); p != "" {
			prio, err := strconv.Atoi(p)
			if err != nil {
				return cmd, &ProtocolError{Reason: fmt.Sprintf("priority %q is not an integer", p)}
			}
			cmd.Priority = prio
		}
	}
	return cmd, nil
}

func splitArgs(line string) ([]string, error) {
	var args []string
	i := 0
	for i < len(line) {
		if line[i] == ' ' || line[i] == '\t' {
			i++
			continue
		}

		if line[i] != '"' {
			start := i
			for i < len(line) && line[i] != ' ' && line[i] != '\t' {
				i++
			}
			args = append(args, line[start:i])
			continue
		}

		end, ok := closingQuote(line, i)
		if !ok {
			return nil, &ProtocolError{Reason: "unterminated quoted argument"}
		}
		quoted := line[i : end+1]
		value, err := strconv.Unquote(quoted)
		if err != nil {
			// Older clients do not escape quotes inside names.
			value = quoted[1 : len(quoted)-1]
		}
		args = append(args, value)
		i = end + 1
	}
	return args, nil
}

// closingQuote finds the quote that ends the argument opened at start: an
// unescaped quote followed by whitespace or the end of the line.
func closingQuote(line string, start int) (int, bool) {
	for j := start + 1; j < len(line); j++ {
		switch line[j] {
		case '\\':
			j++
		case '"':
			if j+1 == len(line) || line[j+1] == ' ' || line[j+1] == '\t' {
				return j, true
			}
		}
	}
	return 0, false
}
