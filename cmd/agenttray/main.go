// agenttray monitors and controls long-running coding-agent tmux sessions:
// create and adopt sessions, classify their state from terminal output and
// transcripts, and expose them over ttyd bridges and a local HTTP API.
package main

import (
	"fmt"
	"os"
	"strings"
)

const Version = "0.3.1"

func main() {
	configPath, args := extractConfigFlag(os.Args[1:])

	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("agenttray v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "serve":
		handleServe(configPath, args[1:])
	case "new", "add":
		handleNew(configPath, args[1:])
	case "list", "ls":
		handleList(configPath, args[1:])
	case "send":
		handleSend(configPath, args[1:])
	case "keys":
		handleKeys(configPath, args[1:])
	case "output":
		handleOutput(configPath, args[1:])
	case "attach":
		handleAttach(configPath, args[1:])
	case "kill", "rm":
		handleKill(configPath, args[1:])
	case "killall":
		handleKillAll(configPath, args[1:])
	case "bridge":
		handleBridge(configPath, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// extractConfigFlag pulls a global --config/-c flag out of the argument list
// before subcommand dispatch, so it works in any position.
func extractConfigFlag(args []string) (string, []string) {
	var configPath string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-c":
			if i+1 < len(args) {
				i++
				configPath = args[i]
			}
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		default:
			rest = append(rest, arg)
		}
	}
	return configPath, rest
}

func printHelp() {
	fmt.Println(`agenttray - session monitor for coding-agent tmux sessions

Usage: agenttray [--config <path>] <command> [options]

Commands:
  serve                Run the monitor daemon with the HTTP API
  new <name> [dir]     Create a session (launches the agent command)
  list                 List sessions with their current state
  send <name> <text>   Send a text command into a session
  keys <name> <keys>   Send a key sequence (e.g. Escape, C-c, Enter)
  output <name>        Print the session's current terminal output
  attach <name>        Attach the current terminal (Ctrl+Q detaches)
  kill <name>          Kill a session and its bridge
  killall              Kill every managed session
  bridge <sub> <name>  Manage ttyd bridges: start, stop, url
  version              Print version

Options:
  --config, -c <path>  Config file (default ~/.agenttray/config.toml)
  --json               Machine-readable output (list, new, bridge)

Examples:
  agenttray new payments ~/code/payments
  agenttray send payments "run the tests"
  agenttray keys payments Escape
  agenttray bridge start payments
  agenttray serve`)
}
