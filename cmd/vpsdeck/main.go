// vpsdeck - command line client for the VPS console
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ashureev/vpsdeck/internal/backend"
	"github.com/ashureev/vpsdeck/internal/chat"
	"github.com/ashureev/vpsdeck/internal/config"
	"github.com/ashureev/vpsdeck/internal/session"
	"github.com/ashureev/vpsdeck/internal/tokenstore"
)

const usage = `usage: vpsdeck <command> [flags]

commands:
  login     sign in and persist the credential token
  logout    remove the persisted token
  whoami    show the signed-in identity
  chat      talk to the assistant about a container
`

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "vpsdeck:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "login":
		err = runLogin(ctx, cfg, args)
	case "logout":
		err = runLogout(cfg)
	case "whoami":
		err = runWhoami(ctx, cfg)
	case "chat":
		err = runChat(ctx, cfg, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "vpsdeck: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "vpsdeck:", describe(err))
		os.Exit(1)
	}
}

func describe(err error) string {
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		return "credentials rejected"
	case errors.Is(err, backend.ErrNetworkUnavailable):
		return "network unavailable"
	default:
		return err.Error()
	}
}

func runLogin(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.StringP("email", "e", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *email == "" {
		fmt.Print("Email: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read email: %w", err)
		}
		*email = strings.TrimSpace(line)
	}
	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	client, err := backend.NewClient(cfg.APIURL)
	if err != nil {
		return err
	}
	result, err := client.Login(ctx, *email, string(password))
	if err != nil {
		return err
	}

	store, err := tokenstore.NewFileStore(cfg.TokenPath, nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Save(result.Token); err != nil {
		return err
	}
	fmt.Printf("Signed in as %s\n", *email)
	return nil
}

func runLogout(cfg *config.Config) error {
	store, err := tokenstore.NewFileStore(cfg.TokenPath, nil)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println("Signed out")
	return nil
}

// openSession restores the persisted session the same way the gateway does.
func openSession(ctx context.Context, cfg *config.Config) (*session.Guard, *backend.Client, func(), error) {
	store, err := tokenstore.NewFileStore(cfg.TokenPath, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := backend.NewClient(cfg.APIURL)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	guard := session.NewGuard(store, client, session.WithValidateTimeout(cfg.Auth.ValidateTimeout))
	guard.Initialize(ctx)
	cleanup := func() {
		guard.Close()
		_ = store.Close()
	}
	return guard, client, cleanup, nil
}

func runWhoami(ctx context.Context, cfg *config.Config) error {
	guard, _, cleanup, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	id, ok := guard.Identity()
	if !ok {
		return errors.New("not signed in")
	}
	role := id.Role
	if id.IsAdmin() {
		role += " (admin)"
	}
	fmt.Printf("%s\t%s\n", id.Email, role)
	return nil
}

func runChat(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	containerID := fs.StringP("container", "c", "", "container the conversation is about (required)")
	conversationID := fs.String("conversation", "", "resume an existing conversation")
	streaming := fs.Bool("stream", cfg.Chat.Streaming, "stream replies through the push channel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *containerID == "" {
		return errors.New("--container is required")
	}

	guard, client, cleanup, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	if _, ok := guard.Identity(); !ok {
		return errors.New("not signed in; run vpsdeck login")
	}

	var hub *backend.Hub
	if *streaming {
		hub = backend.NewHub(cfg.HubURL, nil)
	}
	exchanger := backend.NewExchanger(client, hub, guard, nil)

	opts := []chat.ControllerOption{chat.WithExchangeTimeout(cfg.Chat.ExchangeTimeout)}
	if *conversationID == "" {
		*conversationID = uuid.NewString()
	} else {
		loadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		history, err := backend.NewHistory(client, guard).History(loadCtx, *conversationID)
		cancel()
		if err != nil {
			fmt.Fprintln(os.Stderr, "could not load history:", describe(err))
		}
		opts = append(opts, chat.WithHistory(history))
	}

	ctrl := chat.NewController(*conversationID, *containerID, exchanger, opts...)
	defer ctrl.Close()

	for _, m := range ctrl.Messages() {
		fmt.Printf("%s> %s\n", m.Role, m.Content)
	}
	fmt.Printf("conversation %s (/stop, /regen, /quit)\n", *conversationID)

	printer := newReplyPrinter(os.Stdout)
	unsubscribe := ctrl.Subscribe(printer.handle)
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case "/quit":
				return nil
			case "/stop":
				ctrl.Stop()
			case "/regen":
				if !ctrl.Regenerate() {
					fmt.Println("(nothing to regenerate)")
				}
			default:
				if !ctrl.Send(line) && strings.TrimSpace(line) != "" {
					fmt.Println("(still waiting for the previous reply; /stop to cancel)")
				}
			}
		}
	}
}

// replyPrinter writes assistant content as it grows.
type replyPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]int
}

func newReplyPrinter(out io.Writer) *replyPrinter {
	return &replyPrinter{out: out, printed: make(map[string]int)}
}

func (p *replyPrinter) handle(ev chat.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case chat.EventMessage:
		m := ev.Message
		if m == nil || m.Role != chat.RoleAssistant {
			return
		}
		n, seen := p.printed[m.ID]
		if !seen {
			fmt.Fprint(p.out, "assistant> ")
		}
		if len(m.Content) > n {
			fmt.Fprint(p.out, m.Content[n:])
			p.printed[m.ID] = len(m.Content)
		}
		if m.Status.Terminal() {
			fmt.Fprintln(p.out)
		}
	case chat.EventRemoved:
		fmt.Fprintln(p.out, "\n(partial reply discarded)")
	case chat.EventState:
		if ev.LastError != "" && !ev.Pending {
			fmt.Fprintln(p.out, "error:", ev.LastError)
		}
	}
}
