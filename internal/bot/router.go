// Package bot routes chat commands to handlers. Every accepted command runs
// in its own supervised goroutine, so a slow /short never blocks others.
package bot

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"shortrelay/internal/runtime/supervisor"
	kit "shortrelay/internal/transport"
	logx "shortrelay/pkg/logx"
)

const (
	defaultMaxInflight = 8
	unknownCommandText = "Unknown command. Use /short <url>."
	busyText           = "Busy, try again in a moment."

	// Successful requests slower than this are logged at INFO.
	slowRequest = 750 * time.Millisecond
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Hidden      bool          // kept out of the Telegram menu
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
	Adapter kit.Adapter
}

// Reply answers in the chat the request came from, quoting the command.
func (r *Request) Reply(ctx context.Context, text string) error {
	opt := &kit.SendOptions{DisablePreview: true}
	if r.Update.Message != nil {
		opt.ReplyTo = r.Update.Message.ID
	}
	_, err := r.Adapter.SendText(ctx, r.Chat, text, opt)
	return err
}

type Router struct {
	adapter kit.Adapter
	log     logx.Logger

	cmds     map[string]*Command
	ordered  []*Command
	unknown  HandlerFunc
	inflight chan struct{}
}

type RouterOption func(*Router)

// WithMaxInflight bounds concurrently running commands. Extra commands are
// answered with a busy reply.
func WithMaxInflight(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.inflight = make(chan struct{}, n)
		}
	}
}

func NewRouter(adapter kit.Adapter, log logx.Logger, opts ...RouterOption) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		adapter:  adapter,
		log:      log.With(logx.String("comp", "bot.router")),
		cmds:     map[string]*Command{},
		inflight: make(chan struct{}, defaultMaxInflight),
	}
	r.unknown = func(ctx context.Context, req *Request) error {
		return req.Reply(ctx, unknownCommandText)
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) Register(cmds ...Command) {
	for i := range cmds {
		c := cmds[i]
		r.ordered = append(r.ordered, &c)
		r.cmds[strings.ToLower(c.Name)] = &c
		for _, a := range c.Aliases {
			r.cmds[strings.ToLower(a)] = &c
		}
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed, then
// waits briefly for running commands.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.publishMenu(sup)
	r.log.Info("command dispatcher started", logx.Int("max_inflight", cap(r.inflight)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sup.Stop(wctx); err != nil {
			r.log.Debug("command dispatcher stop", logx.Err(err))
		}
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(sup, up)
		}
	}
}

func (r *Router) route(sup *supervisor.Supervisor, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		// In groups, /cmd@otherbot belongs to another bot.
		if self := r.selfName(); self != "" && word[i+1:] != self {
			return
		}
		word = word[:i]
	}

	handle := r.unknown
	name := word
	var timeout time.Duration
	if cmd, ok := r.cmds[word]; ok {
		handle = cmd.Handle
		name = cmd.Name
		timeout = cmd.Timeout
	}

	rid := uuid.NewString()
	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: name,
		Args:    parts[1:],
		ReqID:   rid,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
	}

	final := Chain(
		handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log, slowRequest),
		MWTimeout(timeout),
	)

	select {
	case r.inflight <- struct{}{}:
	default:
		ctx, cancel := context.WithTimeout(sup.Context(), 5*time.Second)
		defer cancel()
		_ = req.Reply(ctx, busyText)
		return
	}
	sup.Go0("cmd."+name, func(ctx context.Context) {
		defer func() { <-r.inflight }()
		_ = final(ctx, req)
	})
}

// selfName is the bot's lowercased username, or "" when the adapter can't tell.
func (r *Router) selfName() string {
	n, ok := r.adapter.(interface{ Username() string })
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(n.Username(), "@"))
}

func (r *Router) publishMenu(sup *supervisor.Supervisor) {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := make([]kit.BotCommand, 0, len(r.ordered))
	for _, c := range r.ordered {
		if c.Hidden {
			continue
		}
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.SliceStable(menu, func(i, j int) bool { return menu[i].Command < menu[j].Command })

	sup.Go0("telegram.menu.update", func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	})
}
