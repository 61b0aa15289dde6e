// Package interactive provides the command loop for pubsub-shell.
//
// Commands are parsed and executed by Shell.Execute, which writes to any
// io.Writer. Run wraps it with a readline prompt.
package interactive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/chzyer/readline"

	"github.com/nerrad567/gray-logic-pubsub/internal/pubsub"
)

// errUsage marks a malformed command line.
var errUsage = errors.New("usage")

// activeSub is one subscription opened from the prompt.
type activeSub struct {
	id       string
	provider string
	filters  []string
	sub      *pubsub.Subscription
}

// Shell executes pub/sub commands against a PubSub.
type Shell struct {
	ps  *pubsub.PubSub
	out io.Writer

	mu     sync.Mutex
	subs   map[string]*activeSub
	nextID int
}

// New creates a Shell writing its output to out.
func New(ps *pubsub.PubSub, out io.Writer) *Shell {
	return &Shell{
		ps:   ps,
		out:  out,
		subs: make(map[string]*activeSub),
	}
}

// Run reads commands from a readline prompt until quit, EOF, or ctx ends.
// It closes every subscription it opened before returning.
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pubsub> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		HistoryLimit:    500,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	s.mu.Lock()
	s.out = rl.Stdout()
	s.mu.Unlock()
	defer s.closeAll()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			s.println("Exiting...")
			return nil
		}

		if quit := s.Execute(ctx, line); quit {
			s.println("Exiting...")
			return nil
		}
	}
}

// Execute runs one command line. It reports whether the shell should exit.
func (s *Shell) Execute(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "help", "?":
		s.printHelp()
	case "providers", "p":
		s.cmdProviders()
	case "sub", "s":
		err = s.cmdSub(ctx, args)
	case "unsub", "u":
		err = s.cmdUnsub(args)
	case "subs", "ls":
		s.cmdSubs()
	case "pub":
		err = s.cmdPub(ctx, line)
	case "state":
		err = s.cmdState(args)
	case "clients", "c":
		err = s.cmdClients(args)
	case "network", "net":
		err = s.cmdNetwork(args)
	case "quit", "exit", "q":
		return true
	default:
		s.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		s.printf("Error: %v\n", err)
	}
	return false
}

func (s *Shell) printHelp() {
	s.println(`
Pub/Sub Shell Commands:
  Streams:
    sub [-p provider] [-c client] <filter>...  - Subscribe to topic filters
    unsub <id>|all                             - Close a subscription
    subs                                       - List open subscriptions

  Publishing:
    pub [-p provider] [-c client] <topic> <message>
                                               - Publish JSON (or plain text)

  Connections:
    providers                                  - List providers
    state [provider]                           - Show connection state
    clients [provider]                         - Show live client IDs and filters
    network <provider> online|offline          - Report host network status

  General:
    help                                       - Show this help
    quit                                       - Exit

  Filters use MQTT wildcards: + for one level, # for the rest.`)
}

// commandOptions are the -p/-c flags shared by sub and pub.
type commandOptions struct {
	provider string
	clientID string
}

// parseOptions strips leading -p/-c flags from args.
func parseOptions(args []string) (commandOptions, []string, error) {
	var opts commandOptions
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		if len(args) < 2 {
			return opts, nil, fmt.Errorf("%w: %s needs a value", errUsage, args[0])
		}
		switch args[0] {
		case "-p", "--provider":
			opts.provider = args[1]
		case "-c", "--client":
			opts.clientID = args[1]
		default:
			return opts, nil, fmt.Errorf("%w: unknown option %s", errUsage, args[0])
		}
		args = args[2:]
	}
	return opts, args, nil
}

func (s *Shell) cmdProviders() {
	providers := s.ps.Providers()
	if len(providers) == 0 {
		s.println("No providers configured")
		return
	}
	for _, p := range providers {
		clientID := ""
		if mp, ok := p.(*pubsub.MQTTProvider); ok {
			clientID = mp.ClientID()
		}
		s.printf("  %-16s %-24s %s\n", p.Name(), p.State(), clientID)
	}
}

func (s *Shell) cmdSub(ctx context.Context, args []string) error {
	opts, filters, err := parseOptions(args)
	if err != nil {
		return err
	}
	if len(filters) == 0 {
		return fmt.Errorf("%w: sub [-p provider] [-c client] <filter>...", errUsage)
	}

	stream, err := s.ps.Subscribe(filters, pubsub.SubscribeOptions{
		Provider: opts.provider,
		ClientID: opts.clientID,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.nextID++
	id := "s" + strconv.Itoa(s.nextID)
	entry := &activeSub{id: id, provider: opts.provider, filters: stream.Filters()}
	s.subs[id] = entry
	s.mu.Unlock()

	entry.sub = stream.Observe(ctx, pubsub.ObserverFuncs{
		OnNext: func(msg pubsub.Message) {
			s.printf("[%s] %s %s = %s\n", id, msg.Provider, msg.Topic, formatValue(msg))
		},
		OnError: func(err error) {
			s.printf("[%s] error: %v\n", id, err)
		},
		OnComplete: func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			s.printf("[%s] complete\n", id)
		},
	})

	s.printf("Subscribed %s to %s\n", id, strings.Join(entry.filters, ", "))
	return nil
}

func (s *Shell) cmdUnsub(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: unsub <id>|all", errUsage)
	}
	if args[0] == "all" {
		s.closeAll()
		return nil
	}

	s.mu.Lock()
	entry, ok := s.subs[args[0]]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription %q", args[0])
	}
	entry.sub.Unsubscribe()
	return nil
}

func (s *Shell) cmdSubs() {
	s.mu.Lock()
	entries := make([]*activeSub, 0, len(s.subs))
	for _, e := range s.subs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	if len(entries) == 0 {
		s.println("No open subscriptions")
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(entries[i].id, "s"))
		b, _ := strconv.Atoi(strings.TrimPrefix(entries[j].id, "s"))
		return a < b
	})
	for _, e := range entries {
		provider := e.provider
		if provider == "" {
			provider = "(default)"
		}
		s.printf("  %-5s %-12s %s\n", e.id, provider, strings.Join(e.filters, ", "))
	}
}

// cmdPub takes the raw line so the message keeps its original spacing.
func (s *Shell) cmdPub(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	opts, rest, err := parseOptions(fields[1:])
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return fmt.Errorf("%w: pub [-p provider] [-c client] <topic> <message>", errUsage)
	}
	topic := rest[0]
	raw := skipFields(line, len(fields)-len(rest)+1)

	err = s.ps.Publish(ctx, []string{topic}, parseMessage(raw), pubsub.PublishOptions{
		Provider: opts.provider,
		ClientID: opts.clientID,
	})
	if err != nil {
		return err
	}
	s.printf("Published to %s\n", topic)
	return nil
}

func (s *Shell) cmdState(args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("%w: state [provider]", errUsage)
	}
	if len(args) == 1 {
		p, err := s.ps.Provider(args[0])
		if err != nil {
			return err
		}
		s.printf("%s: %s\n", p.Name(), p.State())
		return nil
	}
	for _, p := range s.ps.Providers() {
		s.printf("%s: %s\n", p.Name(), p.State())
	}
	return nil
}

// cmdClients lists the physical connections and active filters of each
// provider, or of the named one.
func (s *Shell) cmdClients(args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("%w: clients [provider]", errUsage)
	}
	providers := s.ps.Providers()
	if len(args) == 1 {
		p, err := s.ps.Provider(args[0])
		if err != nil {
			return err
		}
		providers = []pubsub.Provider{p}
	}

	for _, p := range providers {
		mp, ok := p.(*pubsub.MQTTProvider)
		if !ok {
			continue
		}
		clients, filters := mp.Clients(), mp.Filters()
		if len(clients) == 0 {
			s.printf("%s: no connections\n", p.Name())
			continue
		}
		s.printf("%s: clients %s\n", p.Name(), strings.Join(clients, ", "))
		s.printf("%s: filters %s\n", p.Name(), strings.Join(filters, ", "))
	}
	return nil
}

// cmdNetwork feeds a host network status into a provider, for trying out
// how the connection reacts to the network going away.
func (s *Shell) cmdNetwork(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: network <provider> online|offline", errUsage)
	}
	var online bool
	switch strings.ToLower(args[1]) {
	case "online", "up":
		online = true
	case "offline", "down":
	default:
		return fmt.Errorf("%w: network <provider> online|offline", errUsage)
	}

	p, err := s.ps.Provider(args[0])
	if err != nil {
		return err
	}
	mp, ok := p.(*pubsub.MQTTProvider)
	if !ok {
		return fmt.Errorf("provider %s does not accept network status", p.Name())
	}
	mp.RecordNetworkStatus(online)
	s.printf("%s: %s\n", p.Name(), p.State())
	return nil
}

// PrintState prints a connection state transition. It can be registered
// directly on a pubsub.EventBus.
func (s *Shell) PrintState(ev pubsub.StateChange) {
	s.printf("* %s %s\n", ev.Provider, ev.State)
}

// closeAll ends every subscription opened from the prompt.
func (s *Shell) closeAll() {
	s.mu.Lock()
	entries := make([]*activeSub, 0, len(s.subs))
	for _, e := range s.subs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		if e.sub != nil {
			e.sub.Unsubscribe()
		}
	}
}

// skipFields returns line without its first n whitespace-separated fields.
func skipFields(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n && rest != ""; i++ {
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		rest = strings.TrimSpace(rest[end:])
	}
	return rest
}

// parseMessage decodes raw as JSON, falling back to the literal text.
func parseMessage(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// formatValue renders a delivered value as compact JSON, or the raw
// payload when it could not be decoded.
func formatValue(msg pubsub.Message) string {
	if msg.Value == nil {
		return string(msg.Raw)
	}
	data, err := json.Marshal(msg.Value)
	if err != nil {
		return fmt.Sprint(msg.Value)
	}
	return string(data)
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	fmt.Fprintf(out, format, args...)
}

func (s *Shell) println(text string) {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	fmt.Fprintln(out, text)
}
