package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
)

func handleNew(configPath string, args []string) {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: agenttray new <name> [work-dir] [--json]")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}

	name := fs.Arg(0)
	workDir := ""
	if fs.NArg() > 1 {
		workDir = fs.Arg(1)
	}

	sess, err := a.mgr.CreateSession(name, workDir)
	if err != nil {
		fail("%v", err)
	}

	if *jsonOut {
		printJSON(sess)
		return
	}
	fmt.Printf("Created %s (tmux session %s)\n", sess.Name, sess.TmuxName)
	fmt.Printf("Attach with: agenttray attach %s\n", sess.Name)
}

func handleList(configPath string, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: agenttray list [--json]")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}

	sessions := a.mgr.ListSessions()
	if *jsonOut {
		printJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tTMUX\tDIR\tBRIDGE")
	for _, s := range sessions {
		bridgeCol := "-"
		if url, ok := a.mgr.BridgeURL(s.Name); ok {
			bridgeCol = url
		}
		fmt.Fprintf(w, "%s %s\t%s\t%s\t%s\t%s\n",
			s.State.Icon(), s.Name, s.State.Label(), s.TmuxName, s.WorkDir, bridgeCol)
	}
	_ = w.Flush()
}

func handleSend(configPath string, args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: agenttray send <name> <text...>")
	}
	_ = fs.Parse(normalizeArgs(fs, args))
	if fs.NArg() < 2 {
		fs.Usage()
		os.Exit(1)
	}

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}

	name := fs.Arg(0)
	text := strings.Join(fs.Args()[1:], " ")
	if err := a.mgr.SendCommand(name, text); err != nil {
		fail("%v", err)
	}
}

func handleKeys(configPath string, args []string) {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	enter := fs.Bool("enter", false, "Press Enter after the keys")
	fs.Usage = func() {
		fmt.Println("Usage: agenttray keys <name> <key-spec> [--enter]")
		fmt.Println()
		fmt.Println("Key specs use tmux names: Escape, Enter, C-c, Up, Down ...")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))
	if fs.NArg() < 2 {
		fs.Usage()
		os.Exit(1)
	}

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}
	if err := a.mgr.SendKeys(fs.Arg(0), fs.Arg(1), *enter); err != nil {
		fail("%v", err)
	}
}

func handleOutput(configPath string, args []string) {
	fs := flag.NewFlagSet("output", flag.ExitOnError)
	history := fs.Bool("history", false, "Include scrollback history")
	fs.Usage = func() {
		fmt.Println("Usage: agenttray output <name> [--history]")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}

	name := fs.Arg(0)
	var out string
	if *history {
		sess := a.mgr.GetSession(name)
		if sess == nil {
			fail("session not found: %s", name)
		}
		out, err = a.host.CaptureHistory(sess.TmuxName)
	} else {
		out, err = a.mgr.CaptureOutput(name)
	}
	if err != nil {
		fail("%v", err)
	}
	fmt.Print(out)
}

func handleAttach(configPath string, args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: agenttray attach <name>")
		fmt.Println()
		fmt.Println("Detach with Ctrl+Q.")
	}
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}

	sess := a.mgr.GetSession(fs.Arg(0))
	if sess == nil {
		fail("session not found: %s", fs.Arg(0))
	}
	if !sess.State.Alive() {
		fail("session %s is stopped", sess.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.host.Attach(ctx, sess.TmuxName); err != nil {
		fail("%v", err)
	}
}

func handleKill(configPath string, args []string) {
	fs := flag.NewFlagSet("kill", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: agenttray kill <name>")
	}
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fs.Usage()
		os.Exit(1)
	}

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}
	if err := a.mgr.KillSession(fs.Arg(0)); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Killed %s\n", fs.Arg(0))
}

func handleKillAll(configPath string, args []string) {
	fs := flag.NewFlagSet("killall", flag.ExitOnError)
	yes := fs.Bool("yes", false, "Skip confirmation")
	fs.Usage = func() {
		fmt.Println("Usage: agenttray killall [--yes]")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}

	sessions := a.mgr.ListSessions()
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}

	if !*yes {
		fmt.Printf("Kill %d session(s)? [y/N] ", len(sessions))
		var answer string
		_, _ = fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	if err := a.mgr.KillAllSessions(); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Killed %d session(s)\n", len(sessions))
}

func handleBridge(configPath string, args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: agenttray bridge <start|stop|url> <name> [--json]")
		os.Exit(1)
	}
	sub := args[0]

	fs := flag.NewFlagSet("bridge", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	_ = fs.Parse(normalizeArgs(fs, args[1:]))
	if fs.NArg() < 1 {
		fmt.Println("Usage: agenttray bridge <start|stop|url> <name> [--json]")
		os.Exit(1)
	}
	name := fs.Arg(0)

	a, err := buildApp(configPath)
	if err != nil {
		fail("%v", err)
	}

	switch sub {
	case "start":
		port, err := a.mgr.StartBridge(name)
		if err != nil {
			fail("%v", err)
		}
		url, _ := a.mgr.BridgeURL(name)
		if *jsonOut {
			printJSON(map[string]any{"port": port, "url": url})
			return
		}
		fmt.Printf("Bridge running on port %d\n%s\n", port, url)
	case "stop":
		if err := a.mgr.StopBridge(name); err != nil {
			fail("%v", err)
		}
		fmt.Printf("Bridge stopped for %s\n", name)
	case "url":
		url, ok := a.mgr.BridgeURL(name)
		if !ok {
			fail("no bridge running for %s", name)
		}
		if *jsonOut {
			printJSON(map[string]string{"url": url})
			return
		}
		fmt.Println(url)
	default:
		fail("unknown bridge subcommand: %s", sub)
	}
}
