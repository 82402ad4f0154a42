// tresctl - Control utility for the timing resilience daemon
//
//	tresctl status        Show daemon and element status
//	tresctl threats       List detected threats
//	tresctl activate      Force a war mode level on an element
//	tresctl verify        Verify the audit ledger on the live daemon
//	tresctl watch         Stream engine events
//
// tresctl talks to a running tresd over its Unix control socket. Every
// command is a single request/response exchange except watch, which
// holds the connection open.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"tresd/internal/config"
	"tresd/internal/ipc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "status":
		cmdStatus()
	case "health":
		cmdHealth()
	case "metrics":
		cmdMetrics()
	case "threats":
		cmdThreats()
	case "resolve":
		cmdResolve()
	case "summary":
		cmdSummary()
	case "bands":
		cmdBands()
	case "failovers":
		cmdFailovers()
	case "holdovers":
		cmdHoldovers()
	case "sessions":
		cmdSessions()
	case "verify":
		cmdVerify()
	case "config":
		cmdConfig()
	case "activate":
		cmdActivate()
	case "emcon":
		cmdEMCON()
	case "ingest":
		cmdIngest()
	case "watch":
		cmdWatch()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`tresctl - Timing Resilience Daemon Control

USAGE:
    tresctl <command> [options]

COMMANDS:
    status               Show daemon and element status
    health               Show component health
    metrics              Show engine metrics
    threats              List detected threats
    resolve <id>         Mark a threat resolved
    summary              Summarize threats over a trailing window
    bands                Show per-band jamming intelligence
    failovers            List timing source failovers
    holdovers            List holdover events
    sessions             List war mode sessions
    verify               Verify the audit ledger chain
    config <get|reload>  Show or reload the daemon configuration
    activate <el> <lvl>  Force a war mode level on an element
    emcon <on|off>       Set emission control
    ingest <file>        Submit an observation batch (- for stdin)
    watch                Stream engine events
    help                 Show this help message

GLOBAL OPTIONS (per command):
    -socket <path>       Control socket path

Levels for activate: normal, elevated, tactical, critical.
Run any command with -h for its options.`)
}

// connect dials the daemon, exiting with a uniform message when it is
// not running.
func connect(socketPath string) *ipc.IPCClient {
	cfg := ipc.DefaultClientConfig(config.TresdDir())
	cfg.ClientName = "tresctl"
	cfg.AutoReconnect = false
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "tresctl: cannot reach daemon: %v\n", err)
		fmt.Fprintln(os.Stderr, "Is tresd running? Start it with: tresd run")
		os.Exit(1)
	}
	return client
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "tresctl: %v\n", err)
	os.Exit(1)
}

// socketFlag registers the shared -socket flag on a command's flag set.
func socketFlag(fs *flag.FlagSet) *string {
	return fs.String("socket", "", "control socket path")
}

// ============================================================
// status / health / metrics
// ============================================================

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	socket := socketFlag(fs)
	host := fs.Bool("host", false, "include host clock state")
	asJSON := fs.Bool("json", false, "print raw JSON")
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.Status(*host)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(resp)
		return
	}

	fmt.Println("=== tresd Status ===")
	fmt.Printf("Version:   %s\n", resp.Version)
	fmt.Printf("Uptime:    %s\n", resp.Uptime.Round(time.Second))
	fmt.Printf("EMCON:     %v\n", resp.Engine.EMCON)
	fmt.Printf("Ledger:    %d entries (valid: %v)\n",
		resp.Engine.Ledger.Entries, resp.Engine.Ledger.Valid)
	if resp.Store != nil {
		fmt.Printf("Store:     %d threats (%d unresolved), %d failovers, %d sessions\n",
			resp.Store.Threats, resp.Store.Unresolved,
			resp.Store.Failovers, resp.Store.Sessions)
	}
	if resp.Anchor != nil {
		fmt.Printf("Anchor:    sequence %d at %s\n",
			resp.Anchor.Sequence, resp.Anchor.At.Format(time.RFC3339))
	}
	if resp.HostClock != nil {
		fmt.Printf("Host NTP:  synchronized=%v active=%v\n",
			resp.HostClock.Synchronized, resp.HostClock.ServiceActive)
	}

	fmt.Printf("\nElements (%d):\n", len(resp.Engine.Elements))
	for _, el := range resp.Engine.Elements {
		fmt.Printf("  %-16s level=%-8s source=%s\n", el.Element, el.Level, el.Source)
		if el.Holdover != nil && el.Holdover.Active {
			fmt.Printf("  %-16s holdover: %s, drift %.1f ns accumulated\n",
				"", el.Holdover.Quality, el.Holdover.AccumulatedNs)
		}
		if el.Spoofing.Score > 0 {
			fmt.Printf("  %-16s spoofing score: %d\n", "", el.Spoofing.Score)
		}
	}
}

func cmdHealth() {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	socket := socketFlag(fs)
	asJSON := fs.Bool("json", false, "print raw JSON")
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.Health()
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(resp.Report)
		return
	}

	fmt.Println("=== tresd Health ===")
	fmt.Printf("Status:    %s\n", resp.Report.Status)
	fmt.Printf("Ready:     %v\n", resp.Report.Ready)
	fmt.Printf("Uptime:    %s\n", resp.Report.Uptime)
	if len(resp.Report.Components) > 0 {
		fmt.Println("\nComponents:")
		names := make([]string, 0, len(resp.Report.Components))
		for name := range resp.Report.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			result := resp.Report.Components[name]
			line := fmt.Sprintf("  %-12s %s", name, result.Status)
			if result.Error != "" {
				line += "  " + result.Error
			}
			fmt.Println(line)
		}
	}
}

func cmdMetrics() {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	socket := socketFlag(fs)
	format := fs.String("format", "json", "output format: json or prometheus")
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.Metrics(*format)
	if err != nil {
		fatal(err)
	}
	if resp.Text != "" {
		fmt.Print(resp.Text)
		return
	}
	printJSON(resp.Snapshot)
}

// ============================================================
// threats
// ============================================================

func cmdThreats() {
	fs := flag.NewFlagSet("threats", flag.ExitOnError)
	socket := socketFlag(fs)
	since := fs.Duration("since", 24*time.Hour, "look-back window")
	all := fs.Bool("all", false, "include resolved threats")
	limit := fs.Int("limit", 50, "maximum rows")
	asJSON := fs.Bool("json", false, "print raw JSON")
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.ListThreats(time.Now().Add(-*since), *all, *limit)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(resp.Threats)
		return
	}

	if len(resp.Threats) == 0 {
		fmt.Println("No threats recorded in window.")
		return
	}
	fmt.Printf("=== Threats (%d) ===\n", len(resp.Threats))
	for _, t := range resp.Threats {
		state := "open"
		if t.Resolved {
			state = "resolved"
		}
		fmt.Printf("%s  %-18s %-8s %-12s %s  %s\n",
			t.DetectedAt.Format("2006-01-02 15:04:05"),
			t.Kind, t.Severity, t.Element, state, t.ID)
	}
}

func cmdResolve() {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tresctl resolve <threat-id>")
		os.Exit(1)
	}
	id := fs.Arg(0)

	client := connect(*socket)
	defer client.Close()

	if err := client.ResolveThreat(id); err != nil {
		fatal(err)
	}
	fmt.Printf("Threat %s resolved.\n", id)
}

func cmdSummary() {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	socket := socketFlag(fs)
	window := fs.Duration("window", 24*time.Hour, "trailing window")
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.ThreatSummary(*window)
	if err != nil {
		fatal(err)
	}
	s := resp.Summary
	fmt.Printf("=== Threat Summary (since %s) ===\n", s.Since.Format(time.RFC3339))
	fmt.Printf("Total:      %d\n", s.Total)
	fmt.Printf("Unresolved: %d\n", s.Unresolved)
	if len(s.ByKind) > 0 {
		fmt.Println("\nBy kind:")
		printCounts(s.ByKind)
	}
	if len(s.BySeverity) > 0 {
		fmt.Println("\nBy severity:")
		printCounts(s.BySeverity)
	}
}

func cmdBands() {
	fs := flag.NewFlagSet("bands", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.BandIntel()
	if err != nil {
		fatal(err)
	}
	if len(resp.Bands) == 0 {
		fmt.Println("No jamming recorded yet.")
		return
	}

	names := make([]string, 0, len(resp.Bands))
	for name := range resp.Bands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("=== Band Intelligence ===")
	for _, name := range names {
		b := resp.Bands[name]
		fmt.Printf("%-6s events=%-4d max_rise=%.1fdB avg_degradation=%.1fdB types=%s\n",
			b.Band, b.EventCount, b.MaxIncreaseDB, b.AvgDegradationDB,
			strings.Join(b.JammingTypes, ","))
	}
}

// ============================================================
// history
// ============================================================

func cmdFailovers() {
	fs := flag.NewFlagSet("failovers", flag.ExitOnError)
	socket := socketFlag(fs)
	element := fs.String("element", "", "filter by element")
	limit := fs.Int("limit", 50, "maximum rows")
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.ListFailovers(*element, *limit)
	if err != nil {
		fatal(err)
	}
	if len(resp.Failovers) == 0 {
		fmt.Println("No failovers recorded.")
		return
	}
	fmt.Printf("=== Failovers (%d) ===\n", len(resp.Failovers))
	for _, f := range resp.Failovers {
		fmt.Printf("%s  %-12s %s -> %s  [%s] %s\n",
			f.SwitchedAt.Format("2006-01-02 15:04:05"),
			f.Element, f.From, f.To, f.WarMode, f.Reason)
	}
}

func cmdHoldovers() {
	fs := flag.NewFlagSet("holdovers", flag.ExitOnError)
	socket := socketFlag(fs)
	element := fs.String("element", "", "filter by element")
	limit := fs.Int("limit", 50, "maximum rows")
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.ListHoldovers(*element, *limit)
	if err != nil {
		fatal(err)
	}
	if len(resp.Holdovers) == 0 {
		fmt.Println("No holdover events recorded.")
		return
	}
	fmt.Printf("=== Holdover Events (%d) ===\n", len(resp.Holdovers))
	for _, h := range resp.Holdovers {
		state := "ended"
		if h.Active {
			state = "active"
		}
		fmt.Printf("%s  %-12s %-9s %-8s drift=%.1fns  %s\n",
			h.StartedAt.Format("2006-01-02 15:04:05"),
			h.Element, h.Oscillator, h.Quality, h.AccumulatedNs, state)
	}
}

func cmdSessions() {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	socket := socketFlag(fs)
	limit := fs.Int("limit", 20, "maximum rows")
	asJSON := fs.Bool("json", false, "print raw JSON")
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.ListSessions(*limit)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		printJSON(resp.Sessions)
		return
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("No war mode sessions recorded.")
		return
	}
	fmt.Printf("=== War Mode Sessions (%d) ===\n", len(resp.Sessions))
	for _, s := range resp.Sessions {
		state := "closed"
		if s.Active {
			state = "active"
		}
		fmt.Printf("%s  %-8s %-12s by=%-10s %s  %s\n",
			s.ActivatedAt.Format("2006-01-02 15:04:05"),
			s.Level, s.ThreatType, s.ActivatedBy, state, s.ID)
		if s.Reason != "" {
			fmt.Printf("    reason: %s\n", s.Reason)
		}
	}
}

// ============================================================
// ledger / config
// ============================================================

func cmdVerify() {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	resp, err := client.VerifyLedger()
	if err != nil {
		fatal(err)
	}
	fmt.Println("=== Ledger Verification ===")
	fmt.Printf("Entries:   %d\n", resp.Entries)
	fmt.Printf("Head:      %s\n", resp.Head)
	if resp.Valid {
		fmt.Println("Chain:     valid")
	} else {
		fmt.Println("Chain:     BROKEN")
	}
	if resp.AnchorOK {
		fmt.Println("Anchor:    consistent")
	}
	for _, e := range resp.Errors {
		fmt.Fprintf(os.Stderr, "tresctl: %s\n", e)
	}
	if !resp.Valid {
		os.Exit(1)
	}
}

func cmdConfig() {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(os.Args[2:])

	action := "get"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}

	client := connect(*socket)
	defer client.Close()

	switch action {
	case "get":
		resp, err := client.GetConfig()
		if err != nil {
			fatal(err)
		}
		var pretty map[string]any
		if err := json.Unmarshal(resp.Config, &pretty); err != nil {
			fmt.Println(string(resp.Config))
			return
		}
		printJSON(pretty)
	case "reload":
		if err := client.ReloadConfig(); err != nil {
			fatal(err)
		}
		fmt.Println("Configuration reloaded.")
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s (want get or reload)\n", action)
		os.Exit(1)
	}
}

// ============================================================
// operator actions
// ============================================================

func cmdActivate() {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	socket := socketFlag(fs)
	actor := fs.String("actor", "", "operator identity for the audit ledger")
	reason := fs.String("reason", "", "reason recorded with the activation")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: tresctl activate <element> <level> [-actor <id>] [-reason <text>]")
		fmt.Fprintln(os.Stderr, "Levels: normal, elevated, tactical, critical")
		os.Exit(1)
	}
	element, level := fs.Arg(0), fs.Arg(1)

	client := connect(*socket)
	defer client.Close()

	if err := client.Activate(element, level, *actor, *reason); err != nil {
		fatal(err)
	}
	fmt.Printf("Element %s set to %s.\n", element, level)
}

func cmdEMCON() {
	fs := flag.NewFlagSet("emcon", flag.ExitOnError)
	socket := socketFlag(fs)
	actor := fs.String("actor", "", "operator identity for the audit ledger")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tresctl emcon <on|off> [-actor <id>]")
		os.Exit(1)
	}
	var enabled bool
	switch fs.Arg(0) {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		fmt.Fprintf(os.Stderr, "Unknown emcon state: %s (want on or off)\n", fs.Arg(0))
		os.Exit(1)
	}

	client := connect(*socket)
	defer client.Close()

	if err := client.SetEMCON(enabled, *actor); err != nil {
		fatal(err)
	}
	if enabled {
		fmt.Println("Emission control enabled; peer exchange suspended.")
	} else {
		fmt.Println("Emission control lifted.")
	}
}

func cmdIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	socket := socketFlag(fs)
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: tresctl ingest <batch.json>  (use - for stdin)")
		os.Exit(1)
	}

	var data []byte
	var err error
	if fs.Arg(0) == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(fs.Arg(0))
	}
	if err != nil {
		fatal(err)
	}

	client := connect(*socket)
	defer client.Close()

	resp, err := client.Ingest(data)
	if err != nil {
		fatal(err)
	}
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "tresctl: batch rejected: %s\n", resp.Error)
		os.Exit(1)
	}
	fmt.Printf("Accepted %d observations.\n", resp.Accepted)
}

// ============================================================
// watch
// ============================================================

func cmdWatch() {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	socket := socketFlag(fs)
	kinds := fs.String("kinds", "", "comma-separated event kinds (empty for all)")
	asJSON := fs.Bool("json", false, "print events as JSON lines")
	fs.Parse(os.Args[2:])

	client := connect(*socket)
	defer client.Close()

	var filter []string
	if *kinds != "" {
		for _, k := range strings.Split(*kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				filter = append(filter, k)
			}
		}
	}
	if err := client.Subscribe(filter); err != nil {
		fatal(err)
	}

	fmt.Fprintln(os.Stderr, "Watching events (Ctrl-C to stop)...")
	for ev := range client.Events() {
		if *asJSON {
			line, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Println(string(line))
			continue
		}
		target := ev.Element
		if target == "" {
			target = "-"
		}
		fmt.Printf("%s  %-22s %s\n",
			ev.Timestamp.Format("15:04:05"), ev.Kind, target)
	}
}

// ============================================================
// output helpers
// ============================================================

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(out))
}

func printCounts(m map[string]int64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-14s %d\n", k, m[k])
	}
}
