package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/matheus3301/chanmirror/internal/api"
	"github.com/matheus3301/chanmirror/internal/instance"
	"github.com/matheus3301/chanmirror/internal/lock"
	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 10*time.Minute, "deadline for sync commands")
	flag.Parse()

	name := instance.Resolve(*instanceFlag)
	if err := instance.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "instances" {
		cmdInstances(*jsonFlag)
		return
	}

	c, err := api.Dial(instance.For(name).Socket())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for instance %q: %v\n", name, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "status":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		resp, err := c.Status(ctx)
		output(resp, err, *jsonFlag, printStatus)
	case "channels":
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		resp, err := c.ListChannels(ctx)
		output(resp, err, *jsonFlag, printChannels)
	case "channel":
		id := requireArg(args, "channel <id>")
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		resp, err := c.Channel(ctx, id)
		output(resp, err, *jsonFlag, printChannel)
	case "init":
		id := requireArg(args, "init <id>")
		ctx, cancel := context.WithTimeout(ctx, *timeoutFlag)
		defer cancel()
		resp, err := c.Initialize(ctx, id)
		output(resp, err, *jsonFlag, printResult)
	case "sync":
		fs := flag.NewFlagSet("sync", flag.ExitOnError)
		overlap := fs.String("overlap", "", "re-fetch this far before the newest stored message (e.g. 10m)")
		id := requireArg(args, "sync <id> [--overlap 10m]")
		_ = fs.Parse(args[2:])
		ctx, cancel := context.WithTimeout(ctx, *timeoutFlag)
		defer cancel()
		resp, err := c.Sync(ctx, id, *overlap)
		output(resp, err, *jsonFlag, printResult)
	case "backfill":
		id := requireArg(args, "backfill <id>")
		ctx, cancel := context.WithTimeout(ctx, *timeoutFlag)
		defer cancel()
		resp, err := c.Backfill(ctx, id)
		output(resp, err, *jsonFlag, printResult)
	case "reindex":
		ctx, cancel := context.WithTimeout(ctx, *timeoutFlag)
		defer cancel()
		resp, err := c.Reindex(ctx)
		output(resp, err, *jsonFlag, func(s *structpb.Struct) {
			fmt.Printf("Queued %d messages for indexing\n", int(num(s, "indexed")))
		})
	case "index-events":
		fs := flag.NewFlagSet("index-events", flag.ExitOnError)
		after := fs.Int64("after", 0, "resume after this sequence number")
		ack := fs.Bool("ack", false, "acknowledge each entry once printed")
		_ = fs.Parse(args[1:])
		cmdIndexEvents(ctx, c, *after, *ack, *jsonFlag)
	case "index-ack":
		upTo, err := strconv.ParseInt(requireArg(args, "index-ack <seq>"), 10, 64)
		if err != nil {
			fail(fmt.Errorf("invalid sequence number: %w", err))
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		resp, err := c.AckIndex(ctx, upTo)
		output(resp, err, *jsonFlag, func(s *structpb.Struct) {
			fmt.Printf("Acknowledged %d entries, %d pending\n", int(num(s, "acked")), int(num(s, "backlog")))
		})
	case "watch":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdWatch(ctx, c, prefix, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: mirrorctl [--instance <name>] [--json] [--timeout 10m] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show daemon status")
	fmt.Fprintln(os.Stderr, "  instances                 List known instances")
	fmt.Fprintln(os.Stderr, "  channels                  List mirrored channels")
	fmt.Fprintln(os.Stderr, "  channel <id>              Show coverage of a channel")
	fmt.Fprintln(os.Stderr, "  init <id>                 Initialize a channel")
	fmt.Fprintln(os.Stderr, "  sync <id> [--overlap d]   Fetch new messages")
	fmt.Fprintln(os.Stderr, "  backfill <id>             Fill every gap in a channel")
	fmt.Fprintln(os.Stderr, "  reindex                   Queue every stored message for the indexer")
	fmt.Fprintln(os.Stderr, "  index-events [--after n] [--ack]")
	fmt.Fprintln(os.Stderr, "                            Stream entries waiting for the indexer")
	fmt.Fprintln(os.Stderr, "  index-ack <seq>           Acknowledge index entries up to seq")
	fmt.Fprintln(os.Stderr, "  watch [prefix]            Stream sync events")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func requireArg(args []string, usage string) string {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: mirrorctl %s\n", usage)
		os.Exit(1)
	}
	return args[1]
}

func output(resp *structpb.Struct, err error, jsonOut bool, pretty func(*structpb.Struct)) {
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp.AsMap())
		return
	}
	pretty(resp)
}

func num(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func printStatus(s *structpb.Struct) {
	fmt.Printf("Instance: %s\n", str(s, "instance"))
	fmt.Printf("State:    %s (since %s)\n", str(s, "state"), str(s, "stateSince"))
	if r := str(s, "stateReason"); r != "" {
		fmt.Printf("Reason:   %s\n", r)
	}
	fmt.Printf("Uptime:   %s\n", (time.Duration(num(s, "uptimeMs")) * time.Millisecond).Round(time.Second))
	fmt.Printf("Channels: %d\n", int(num(s, "channels")))
	fmt.Printf("Messages: %d\n", int(num(s, "messages")))
	fmt.Printf("Indexing: %d pending\n", int(num(s, "indexBacklog")))
}

func printChannels(s *structpb.Struct) {
	channels := s.GetFields()["channels"].GetListValue().GetValues()
	if len(channels) == 0 {
		fmt.Println("No channels mirrored.")
		return
	}
	for _, v := range channels {
		ch := v.GetStructValue()
		fmt.Printf("%-20s %-20s %-20s %6d msgs  latest %s\n",
			str(ch, "id"), str(ch, "name"), str(ch, "phase"), int(num(ch, "messageCount")), str(ch, "latest"))
	}
}

func printRanges(label string, v *structpb.Value) {
	ranges := v.GetListValue().GetValues()
	fmt.Printf("%s (%d):\n", label, len(ranges))
	for _, r := range ranges {
		rs := r.GetStructValue()
		fmt.Printf("  %s .. %s\n", str(rs, "start"), str(rs, "end"))
	}
}

func printChannel(s *structpb.Struct) {
	fmt.Printf("Channel:  %s %s\n", str(s, "id"), str(s, "name"))
	if g := str(s, "guild"); g != "" {
		fmt.Printf("Guild:    %s\n", g)
	}
	fmt.Printf("Phase:    %s\n", str(s, "phase"))
	fmt.Printf("Messages: %d\n", int(num(s, "messageCount")))
	fmt.Printf("Last sync: %s\n", str(s, "lastSync"))
	if e := str(s, "lastError"); e != "" {
		fmt.Printf("Last error: %s\n", e)
	}
	printRanges("Known ranges", s.GetFields()["knownRanges"])
	printRanges("Gaps", s.GetFields()["gaps"])
}

func printResult(s *structpb.Struct) {
	fmt.Printf("%s %s: fetched %d, new %d, updated %d, unchanged %d, invalid %d in %s\n",
		str(s, "channel"), str(s, "mode"),
		int(num(s, "fetched")), int(num(s, "new")), int(num(s, "updated")),
		int(num(s, "unchanged")), int(num(s, "invalid")),
		time.Duration(num(s, "elapsedMs"))*time.Millisecond)
}

func cmdWatch(ctx context.Context, c *api.Client, prefix string, jsonOut bool) {
	stream, err := c.Watch(ctx, prefix)
	if err != nil {
		fail(err)
	}
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(err)
		}
		if jsonOut {
			outputJSON(evt.AsMap())
			continue
		}
		payload, _ := json.Marshal(evt.GetFields()["payload"].AsInterface())
		fmt.Printf("%s %-16s %s\n", str(evt, "occurredAt"), str(evt, "kind"), payload)
	}
}

func cmdIndexEvents(ctx context.Context, c *api.Client, after int64, ack, jsonOut bool) {
	stream, err := c.WatchIndex(ctx, after)
	if err != nil {
		fail(err)
	}
	for {
		entry, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(err)
		}
		if jsonOut {
			outputJSON(entry.AsMap())
		} else {
			fmt.Printf("%8d %s %s %s\n", int64(num(entry, "seq")), str(entry, "channel"), str(entry, "messageId"), str(entry, "timestamp"))
		}
		if ack {
			if _, err := c.AckIndex(ctx, int64(num(entry, "seq"))); err != nil && ctx.Err() == nil {
				fail(err)
			}
		}
	}
}

func cmdInstances(jsonOut bool) {
	names, err := instance.List()
	if err != nil {
		fail(err)
	}
	type row struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Running bool   `json:"running"`
		PID     int    `json:"pid,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, n := range names {
		r := row{Name: n, Path: instance.Dir(n)}
		if held := lock.Holder(instance.Dir(n)); held != nil {
			r.Running, r.PID = true, held.PID
		}
		rows = append(rows, r)
	}
	if jsonOut {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No instances found.")
		return
	}
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = fmt.Sprintf("running, pid %d", r.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", r.Name, r.Path, state)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
