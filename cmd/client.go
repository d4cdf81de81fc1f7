package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"instrumentq/internal/client"
	"instrumentq/internal/domain"
)

type connFlags struct {
	server   string
	user     string
	password string
	token    string
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.server, "server", "s", "", "Server address (default localhost:<Server_Port>)")
	cmd.Flags().StringVarP(&f.user, "user", "u", "cli", "Username to log in with")
	cmd.Flags().StringVar(&f.password, "password", os.Getenv("INSTRUMENTQ_PASSWORD"), "Server password, if one is configured")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("INSTRUMENTQ_TOKEN"), "Bearer token from a previous login")
}

func (f *connFlags) connect(ctx context.Context, out io.Writer) (*client.Client, error) {
	addr := f.server
	if addr == "" {
		addr = fmt.Sprintf("localhost:%d", cfg.Server.Port)
	}
	c, err := client.New(addr, client.WithOutput(out), client.WithToken(f.token))
	if err != nil {
		return nil, err
	}
	if f.token == "" {
		if err := c.Login(ctx, f.user, f.password); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type clientRun func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error

func withClient(command *cobra.Command, run clientRun) *cobra.Command {
	var conn connFlags
	conn.register(command)
	command.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := conn.connect(ctx, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		return run(ctx, c, cmd, args)
	}
	return command
}

func clientCmds() []*cobra.Command {
	return []*cobra.Command{
		loginCmd(),
		enqueueCmd(),
		callCmd(),
		queueCmd(),
		stateCmd(),
		toggleCmd("pause", "Pause or resume the queue", (*client.Client).Pause),
		toggleCmd("debug", "Turn debug mode on or off", (*client.Client).Debug),
		waitCmd(),
		removeCmd(),
		moveCmd(),
		reorderCmd(),
		simpleCmd("clear-queue", "Remove every pending package", (*client.Client).ClearQueue),
		simpleCmd("clear-history", "Forget finished packages", (*client.Client).ClearHistory),
		simpleCmd("halt", "Stop the queue daemon after the running package", (*client.Client).Halt),
		commandsCmd(),
		statusCmd(),
		infoCmd(),
		archiveCmd(),
	}
}

func loginCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "login",
		Short: "Log in and print a token for --token or INSTRUMENTQ_TOKEN",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), c.Token())
		return nil
	})
}

// parseKeyValues turns key=value pairs into task arguments. Values are
// decoded as JSON when possible and kept as strings otherwise.
func parseKeyValues(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func enqueueCmd() *cobra.Command {
	var (
		id     string
		pos    int
		device string
		wait   bool
	)
	command := withClient(&cobra.Command{
		Use:   "enqueue <task_name> [key=value ...]",
		Short: "Add a task to the queue",
		Args:  cobra.MinimumNArgs(1),
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		kv, err := parseKeyValues(args[1:])
		if err != nil {
			return err
		}
		task := domain.Task(kv)
		task[domain.KeyTaskName] = args[0]
		if device != "" {
			task[domain.KeyDevice] = device
		}
		opts := client.EnqueueOptions{UUID: id, Interactive: wait}
		if cmd.Flags().Changed("pos") {
			opts.Position = &pos
		}

		res, err := c.Enqueue(ctx, task, opts)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.Meta == nil {
			fmt.Fprintln(out, res.UUID)
			return nil
		}
		fmt.Fprintln(out, renderTable(
			[]string{"UUID", "Exit state", "Run time (s)", "Return value"},
			[][]string{{res.UUID, string(res.Meta.ExitState), fmt.Sprintf("%.3f", res.Meta.RunTimeSeconds), formatValue(res.Meta.ReturnVal)}},
			2,
		))
		return nil
	})
	command.Flags().StringVar(&id, "uuid", "", "Caller-chosen package id")
	command.Flags().IntVar(&pos, "pos", 0, "Insert at this pending position instead of appending")
	command.Flags().StringVar(&device, "device", "", "Route the task to a sub-device")
	command.Flags().BoolVarP(&wait, "wait", "w", false, "Block until the task finishes and print its result")
	return command
}

func callCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "call <command> [key=value ...]",
		Short: "Run an unqueued driver command",
		Args:  cobra.MinimumNArgs(1),
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		kv, err := parseKeyValues(args[1:])
		if err != nil {
			return err
		}
		result, err := c.CallUnqueued(ctx, args[0], kv)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatValue(result))
		return nil
	})
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Local().Format(time.DateTime)
}

func snapshotRows(snap domain.Snapshot) [][]string {
	var rows [][]string
	add := func(section string, pkgs []domain.Package) {
		for i, p := range pkgs {
			runtime := ""
			if p.Terminal() {
				runtime = fmt.Sprintf("%.3f", p.Meta.RunTimeSeconds)
			}
			rows = append(rows, []string{
				section, strconv.Itoa(i), p.UUID, p.Task.Name(),
				formatTime(p.Meta.Queued), string(p.Meta.ExitState), runtime,
			})
		}
	}
	add("history", snap.History)
	add("running", snap.Running)
	add("pending", snap.Pending)
	return rows
}

func queueCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "queue",
		Short: "Show history, running and pending packages",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		snap, err := c.Snapshot(ctx)
		if err != nil {
			return err
		}
		state, err := c.QueueState(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Queue state: %s\n", state)
		fmt.Fprintln(out, renderTable(
			[]string{"Section", "#", "UUID", "Task", "Queued", "Exit state", "Run time (s)"},
			snapshotRows(snap),
			1, 6,
		))
		return nil
	})
}

func stateCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "state",
		Short: "Print the queue state",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		state, err := c.QueueState(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), state)
		return nil
	})
}

func toggleCmd(use, short string, set func(*client.Client, context.Context, bool) error) *cobra.Command {
	return withClient(&cobra.Command{
		Use:       use + " <on|off>",
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		var on bool
		switch strings.ToLower(args[0]) {
		case "on":
			on = true
		case "off":
		default:
			v, err := strconv.ParseBool(args[0])
			if err != nil {
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			on = v
		}
		return set(c, ctx, on)
	})
}

func simpleCmd(use, short string, call func(*client.Client, context.Context) error) *cobra.Command {
	return withClient(&cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		return call(c, ctx)
	})
}

func waitCmd() *cobra.Command {
	var opts client.WaitOptions
	command := withClient(&cobra.Command{
		Use:   "wait [uuid]",
		Short: "Block until a package finishes, or until the queue drains",
		Args:  cobra.MaximumNArgs(1),
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			opts.TargetUUID = args[0]
		}
		p, err := c.Wait(ctx, opts)
		if err != nil {
			return err
		}
		if p != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", p.UUID, p.Meta.ExitState, formatValue(p.Meta.ReturnVal))
		}
		return nil
	})
	command.Flags().DurationVar(&opts.Interval, "interval", time.Second, "Polling interval")
	command.Flags().DurationVar(&opts.FirstCheckDelay, "first-check-delay", 0, "Delay before the first poll")
	command.Flags().BoolVar(&opts.ForHistory, "history", true, "Wait for the package to reach history")
	return command
}

func removeCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "remove <uuid> [uuid ...]",
		Short: "Remove pending packages",
		Args:  cobra.MinimumNArgs(1),
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return c.RemoveItem(ctx, args[0])
		}
		return c.RemoveItems(ctx, args...)
	})
}

func moveCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "move <uuid> <pos>",
		Short: "Move a pending package to a new position",
		Args:  cobra.ExactArgs(2),
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		pos, err := strconv.Atoi(args[1])
		if err != nil || pos < 0 {
			return fmt.Errorf("position must be a non-negative integer, got %q", args[1])
		}
		return c.MoveItem(ctx, args[0], pos)
	})
}

func reorderCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "reorder <uuid> [uuid ...]",
		Short: "Replace the pending order; every pending uuid must be listed once",
		Args:  cobra.MinimumNArgs(1),
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		prior, err := c.QueueState(ctx)
		if err != nil {
			return err
		}
		return c.ReorderQueue(ctx, prior, args)
	})
}

func commandsCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "commands",
		Short: "List the driver's queued and unqueued commands",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		if err := c.Discover(ctx); err != nil {
			return err
		}
		var rows [][]string
		for _, s := range c.Stubs() {
			kind := "unqueued"
			if s.Queued {
				kind = "queued"
			}
			rows = append(rows, []string{kind, s.Signature(), s.Doc()})
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Kind", "Signature", "Doc"}, rows))
		return nil
	})
}

func statusCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "status",
		Short: "Print the driver status lines",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		lines, err := c.DriverStatus(ctx)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	})
}

func infoCmd() *cobra.Command {
	return withClient(&cobra.Command{
		Use:   "info",
		Short: "Show server identity, devices and queue state",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		info, err := c.Info(ctx)
		if err != nil {
			return err
		}
		now, err := c.ServerTime(ctx)
		if err != nil {
			return err
		}
		rows := [][]string{
			{"Server", info.Name},
			{"Driver", info.Driver},
			{"Experiment", info.Experiment},
			{"Contact", info.Contact},
			{"Devices", strings.Join(info.Devices, ", ")},
			{"Queue state", string(info.QueueState)},
			{"Pending", strconv.Itoa(len(info.Queue.Pending))},
			{"Server time", strings.TrimSpace(now)},
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows))
		return nil
	})
}

func archiveCmd() *cobra.Command {
	var limit int
	command := withClient(&cobra.Command{
		Use:   "archive",
		Short: "List archived packages, newest first",
		Args:  cobra.NoArgs,
	}, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
		pkgs, err := c.Archive(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"Section", "#", "UUID", "Task", "Queued", "Exit state", "Run time (s)"},
			snapshotRows(domain.Snapshot{History: pkgs}),
			1, 6,
		))
		return nil
	})
	command.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum number of packages")
	return command
}
