// sonicctl is an interactive Sonic Channel client, handy for poking at a
// running daemon.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/ergochat/readline"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("START",
		readline.PcItem("search"),
		readline.PcItem("ingest"),
		readline.PcItem("control"),
	),
	readline.PcItem("QUERY"),
	readline.PcItem("SUGGEST"),
	readline.PcItem("LIST"),
	readline.PcItem("PUSH"),
	readline.PcItem("POP"),
	readline.PcItem("COUNT"),
	readline.PcItem("FLUSHC"),
	readline.PcItem("FLUSHB"),
	readline.PcItem("FLUSHO"),
	readline.PcItem("TRIGGER",
		readline.PcItem("consolidate"),
		readline.PcItem("backup"),
		readline.PcItem("restore"),
	),
	readline.PcItem("INFO"),
	readline.PcItem("PING"),
	readline.PcItem("HELP"),
	readline.PcItem("QUIT"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func main() {
	addr := flag.String("addr", "[::1]:1491", "sonic channel address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	defer conn.Close()

	l, err := readline.NewEx(&readline.Config{
		Prompt:              "◌ ",
		HistoryFile:         "/tmp/sonicctl.history",
		AutoComplete:        completer,
		InterruptPrompt:     "^C",
		EOFPrompt:           "QUIT",
		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()

	// server lines (including async EVENT replies) print as they arrive
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
		fmt.Println("connection closed")
		os.Exit(0)
	}()

	for {
		line, err := l.ReadLine()
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "write failed:", err)
			break
		}
		if strings.EqualFold(line, "QUIT") {
			break
		}
	}
}
