package channel

import "strings"

type mode int

const (
	modeUninitialized mode = iota
	modeSearch
	modeIngest
	modeControl
)

func (m mode) String() string {
	switch m {
	case modeSearch:
		return "search"
	case modeIngest:
		return "ingest"
	case modeControl:
		return "control"
	default:
		return "uninitialized"
	}
}

func parseMode(name string) (mode, bool) {
	switch strings.ToLower(name) {
	case "search":
		return modeSearch, true
	case "ingest":
		return modeIngest, true
	case "control":
		return modeControl, true
	default:
		return modeUninitialized, false
	}
}

var modeCommands = map[mode][]string{
	modeUninitialized: {"START", "QUIT"},
	modeSearch:        {"QUERY", "SUGGEST", "LIST", "PING", "HELP", "QUIT"},
	modeIngest:        {"PUSH", "POP", "COUNT", "FLUSHC", "FLUSHB", "FLUSHO", "PING", "HELP", "QUIT"},
	modeControl:       {"TRIGGER", "INFO", "PING", "HELP", "QUIT"},
}

func (m mode) allows(command string) bool {
	for _, allowed := range modeCommands[m] {
		if allowed == command {
			return true
		}
	}
	return false
}

func (m mode) manual() string {
	return strings.Join(modeCommands[m], ", ")
}
