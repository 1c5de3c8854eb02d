// Package cli implements the interactive console of the relay: connectivity
// and session status, peer tables and session history.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/db"
	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/relay"
	"github.com/energizer-project/gpgrelay/internal/resolver"
	"github.com/energizer-project/gpgrelay/internal/util"
)

// RelayStatus is the read side of the relay server.
type RelayStatus interface {
	Status(ctx context.Context) relay.ServerStatus
	Active() (relay.Status, bool)
	Peers() []resolver.Mapping
}

// Prober is the connectivity probe.
type Prober interface {
	Run(ctx context.Context) (connectivity.Result, error)
	State() connectivity.Result
	Running() bool
	Reset()
}

// History lists past sessions.
type History interface {
	Sessions(limit int) ([]db.SessionRecord, error)
}

// Deps are the components the console reports on.
type Deps struct {
	Relay   RelayStatus
	Probe   Prober
	History History // nil when storage is disabled
}

// CLI provides an interactive command-line interface.
type CLI struct {
	deps     Deps
	eventBus *events.EventBus
	in       io.Reader
	out      io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(deps Deps, eventBus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		deps:     deps,
		eventBus: eventBus,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\ngpgrelay console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "gpgrelay> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus(ctx)
	case "peers", "p":
		c.printPeers()
	case "sessions":
		return c.printSessions(args)
	case "probe":
		return c.cmdProbe(ctx)
	case "system":
		return c.printSystem()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down gpgrelay...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
  status            Show connectivity and the active game session
  peers             Show peer address mappings of the active session
  sessions [n]      Show the last n sessions (default 10)
  probe             Forget the connectivity result and probe again
  system            Show host and process resource usage
  quit              Shut down the relay
  help              Show this help message`)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// printStatus displays connectivity and the active session.
func (c *CLI) printStatus(ctx context.Context) {
	st := c.deps.Relay.Status(ctx)
	result := c.deps.Probe.State()

	state := result.State.String()
	if c.deps.Probe.Running() {
		state += " (probing)"
	}

	fmt.Fprintf(c.out, "\n  Listening:     %s\n", st.Addr)
	fmt.Fprintf(c.out, "  Connectivity:  %s\n", state)
	fmt.Fprintf(c.out, "  Address:       %s\n", orDash(result.Addr))
	fmt.Fprintf(c.out, "  Sessions:      %d\n", st.Sessions)

	if st.Active == nil {
		fmt.Fprintln(c.out, "  Game:          not connected")
		fmt.Fprintln(c.out)
		return
	}

	a := st.Active
	fmt.Fprintln(c.out)
	tw := c.newTable("Session", "Game", "State", "Idle", "Pending", "Peers", "Dropped", "Uptime")
	tw.Append([]string{
		shortID(a.ID),
		a.Remote,
		orDash(a.GameState),
		strconv.FormatBool(a.Idle),
		strconv.Itoa(a.Pending),
		strconv.Itoa(len(a.Peers)),
		strconv.Itoa(a.Dropped),
		time.Since(a.StartedAt).Truncate(time.Second).String(),
	})
	tw.Render()
	fmt.Fprintln(c.out)
}

func (c *CLI) printPeers() {
	peers := c.deps.Relay.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "No peers.")
		return
	}

	tw := c.newTable("ID", "Name", "Declared", "Game uses", "Channel")
	for _, p := range peers {
		channel := "-"
		if p.ChannelBound {
			channel = fmt.Sprintf("0x%04X", p.Channel)
		}
		tw.Append([]string{
			strconv.Itoa(int(p.PeerID)),
			p.PeerName,
			p.Declared,
			p.Resolved,
			channel,
		})
	}
	tw.Render()
}

func (c *CLI) printSessions(args []string) error {
	if c.deps.History == nil {
		return errors.New("session history is disabled")
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	sessions, err := c.deps.History.Sessions(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions recorded.")
		return nil
	}

	tw := c.newTable("Session", "Started", "Connectivity", "Duration", "Drops", "Reason")
	for _, s := range sessions {
		duration, reason := "running", "-"
		if s.EndedAt != nil {
			duration = s.Duration.Truncate(time.Second).String()
			reason = s.Reason
		}
		tw.Append([]string{
			shortID(s.ID),
			s.StartedAt.Local().Format("2006-01-02 15:04:05"),
			orDash(s.Connectivity),
			duration,
			strconv.Itoa(s.Drops),
			reason,
		})
	}
	tw.Render()
	return nil
}

// cmdProbe re-runs the connectivity probe and waits for the result.
func (c *CLI) cmdProbe(ctx context.Context) error {
	if _, active := c.deps.Relay.Active(); active {
		return errors.New("a game session is active")
	}
	if c.deps.Probe.Running() {
		return errors.New("probe already running")
	}

	fmt.Fprintln(c.out, "Probing connectivity...")
	c.deps.Probe.Reset()
	result, err := c.deps.Probe.Run(ctx)
	if err != nil && !errors.Is(err, connectivity.ErrBlocked) {
		return err
	}
	fmt.Fprintf(c.out, "Connectivity: %s %s\n", result.State, result.Addr)
	return nil
}

func (c *CLI) printSystem() error {
	info := util.GetSystemInfo()
	proc, err := util.GetProcessUsage()
	if err != nil {
		return err
	}
	cpu, _ := util.GetCPUUsage()

	tw := c.newTable("Host", "OS", "CPU", "CPU %", "RSS MB", "Goroutines", "UDP sockets")
	tw.Append([]string{
		info.Hostname,
		info.OS,
		fmt.Sprintf("%s (%d)", info.CPUModel, info.CPUCores),
		fmt.Sprintf("%.1f", cpu),
		strconv.FormatUint(proc.RSS, 10),
		strconv.Itoa(proc.Goroutines),
		strconv.Itoa(proc.OpenUDP),
	})
	tw.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
