package app

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gfxbot/internal/monitor"
	"gfxbot/internal/runtime/supervisor"
	kit "gfxbot/internal/transport"
	logx "gfxbot/pkg/logx"
	"gfxbot/pkg/tgtext"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessModeratorOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Request struct {
	Msg  *kit.Message
	Chat kit.ChatTarget
	Args []string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Router turns inbound updates into engine calls. Plain messages in
// watched channels feed the monitor; "/" messages are commands.
//
// Commands run on a small worker pool. Reconciliation events (creates
// and edits) run on a single dedicated worker instead: edits of the
// same message must commit in arrival order, and a pool would let two
// edits race and leave the older text in the store.
type Router struct {
	mu         sync.RWMutex
	commands   map[string]Command
	moderators []int64

	log     logx.Logger
	adapter kit.Adapter
	engine  *monitor.Engine

	jobs   chan func()
	events chan func()
}

func NewRouter(log logx.Logger, adapter kit.Adapter, engine *monitor.Engine, moderators []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		commands:   map[string]Command{},
		moderators: append([]int64(nil), moderators...),
		log:        log,
		adapter:    adapter,
		engine:     engine,
		jobs:       make(chan func(), 256),
		events:     make(chan func(), 256),
	}
	r.registerBuiltins()
	return r
}

// SetModerators updates the moderator list used for access checks.
// Safe to call during hot-reload.
func (r *Router) SetModerators(ids []int64) {
	cp := append([]int64(nil), ids...)
	r.mu.Lock()
	r.moderators = cp
	r.mu.Unlock()
}

func (r *Router) moderatorsSnapshot() []int64 {
	r.mu.RLock()
	cp := append([]int64(nil), r.moderators...)
	r.mu.RUnlock()
	return cp
}

func isModerator(id int64, ids []int64) bool {
	for _, m := range ids {
		if m == id {
			return true
		}
	}
	return false
}

// tryEnqueue is a panic-safe enqueue helper (handles the channel being closed).
func (r *Router) tryEnqueue(ch chan func(), fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case ch <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is canceled or the channel
// closes. Handlers run on a bounded worker pool so a slow store or a
// slow Telegram call never stalls intake.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	if workers > 4 {
		workers = 4
	}

	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "router"))),
		supervisor.WithCancelOnError(false),
	)

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			close(r.jobs)
			close(r.events)
		})
	}

	drain := func(name string, ch chan func()) func(context.Context) {
		return func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case job, ok := <-ch:
					if !ok {
						return
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in update job",
									logx.String("worker", name),
									logx.Any("panic", rec),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}
	}

	for i := 0; i < workers; i++ {
		name := "router.worker." + strconv.Itoa(i)
		sup.GoRestart0(name, drain(name, r.jobs),
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	// One worker keeps creates and edits in arrival order. Two edits of
	// the same message racing on the pool could commit newest-first and
	// leave stale text in the store.
	sup.GoRestart0("router.monitor", drain("router.monitor", r.events),
		supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))

	r.log.Info("update dispatcher started", logx.Int("workers", workers))
	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("update dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	switch up.Kind {
	case kit.UpdateMessage:
		if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
			r.routeCommand(ctx, msg)
			return
		}
		if !r.tryEnqueue(r.events, func() { r.handleErr(msg, r.engine.OnCreate(ctx, msg, time.Now())) }) {
			r.log.Warn("update dropped (queue full)", logx.Int("message_id", msg.ID))
		}
	case kit.UpdateEdited:
		if !r.tryEnqueue(r.events, func() { r.handleErr(msg, r.engine.OnEdit(ctx, msg, time.Now())) }) {
			r.log.Warn("update dropped (queue full)", logx.Int("message_id", msg.ID))
		}
	}
}

func (r *Router) handleErr(msg *kit.Message, err error) {
	if err != nil {
		r.log.Warn("update handling failed",
			logx.Int("message_id", msg.ID),
			logx.Int64("chat_id", msg.ChatID),
			logx.Err(err))
	}
}

func (r *Router) routeCommand(ctx context.Context, msg *kit.Message) {
	parts := strings.Fields(strings.TrimSpace(msg.Text))
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		// Ignore unknown commands in groups; other bots may own them.
		if !msg.IsGroup {
			_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, "unknown command, try /help", nil)
		}
		return
	}

	if cmd.Access == AccessModeratorOnly && !isModerator(msg.FromID, r.moderatorsSnapshot()) {
		_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID}, "unauthorized", nil)
		return
	}

	req := &Request{
		Msg:     msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		Args:    parts[1:],
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("cmd", cmd.Name),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
		),
	}

	enqueued := r.tryEnqueue(r.jobs, func() {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := cmd.Handle(cctx, req); err != nil {
			req.Logger.Warn("command failed", logx.Err(err))
			_, _ = r.adapter.SendText(ctx, req.Chat, "error: "+err.Error(), nil)
		}
	})
	if !enqueued {
		r.log.Warn("command dropped (queue full)", logx.String("cmd", cmd.Name))
	}
}

func (r *Router) register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		if c.Name == "" || c.Handle == nil {
			continue
		}
		r.commands[strings.ToLower(c.Name)] = c
	}
}

func (r *Router) registerBuiltins() {
	r.register(
		Command{
			Name:        "help",
			Description: "show available commands",
			Usage:       "/help",
			Access:      AccessEveryone,
			Handle:      r.cmdHelp,
		},
		Command{
			Name:        "watch",
			Description: "monitor this channel for dated graphics",
			Usage:       "/watch",
			Access:      AccessModeratorOnly,
			Handle:      r.cmdWatch,
		},
		Command{
			Name:        "unwatch",
			Description: "stop monitoring this channel and drop its items",
			Usage:       "/unwatch",
			Access:      AccessModeratorOnly,
			Handle:      r.cmdUnwatch,
		},
		Command{
			Name:        "track",
			Description: "track a message by id with an explicit date expression",
			Usage:       "/track <message_id> <date expression>",
			Access:      AccessModeratorOnly,
			Handle:      r.cmdTrack,
		},
		Command{
			Name:        "untrack",
			Description: "stop tracking a message",
			Usage:       "/untrack <message_id>",
			Access:      AccessModeratorOnly,
			Handle:      r.cmdUntrack,
		},
		Command{
			Name:        "list",
			Description: "list tracked graphics and reminder state",
			Usage:       "/list",
			Access:      AccessModeratorOnly,
			Handle:      r.cmdList,
		},
		Command{
			Name:        "approve",
			Description: "approve removal of an expired graphic (deletes its messages)",
			Usage:       "/approve <message_id>",
			Access:      AccessModeratorOnly,
			Handle:      r.cmdApprove,
		},
		Command{
			Name:        "keep",
			Description: "stop tracking an expired graphic but keep its messages",
			Usage:       "/keep <message_id>",
			Access:      AccessModeratorOnly,
			Handle:      r.cmdKeep,
		},
	)
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.mu.RLock()
	cmds := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })

	var b strings.Builder
	b.WriteString("commands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "%s — %s\n", c.Usage, c.Description)
	}
	return r.sendLong(ctx, req, b.String())
}

// sendLong splits text at Telegram's message limit before sending.
func (r *Router) sendLong(ctx context.Context, req *Request, text string) error {
	for _, chunk := range tgtext.Split(text, tgtext.MessageLimit) {
		if _, err := req.Adapter.SendText(ctx, req.Chat, chunk, &kit.SendOptions{DisablePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) cmdWatch(ctx context.Context, req *Request) error {
	if err := r.engine.WatchChannel(ctx, req.Chat.ChatID); err != nil {
		return err
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, "channel is now monitored", nil)
	return err
}

func (r *Router) cmdUnwatch(ctx context.Context, req *Request) error {
	n, err := r.engine.UnwatchChannel(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("channel unmonitored, %d item(s) dropped", n), nil)
	return err
}

func (r *Router) cmdTrack(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "usage: /track <message_id> <date expression>", nil)
		return err
	}
	id, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return fmt.Errorf("invalid message id %q", req.Args[0])
	}
	expr := strings.Join(req.Args[1:], " ")
	it, err := r.engine.RegisterManually(ctx, req.Chat.ChatID, id, expr, time.Now())
	if err != nil {
		return err
	}
	reply := fmt.Sprintf("tracking message %d: in effect %s", it.SourceMessageID, it.InEffectAt.Format("Mon, 2 Jan 2006 15:04"))
	if it.ReminderAt.IsZero() {
		reply += " (no reminder: too close to effect date)"
	} else {
		reply += fmt.Sprintf(", reminder %s", it.ReminderAt.Format("Mon, 2 Jan 2006 15:04"))
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, reply, nil)
	return err
}

func (r *Router) cmdUntrack(ctx context.Context, req *Request) error {
	id, err := r.argID(ctx, req, "/untrack <message_id>")
	if err != nil || id == 0 {
		return err
	}
	if err := r.engine.Unmonitor(ctx, id); err != nil {
		return err
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("message %d untracked", id), nil)
	return err
}

func (r *Router) cmdList(ctx context.Context, req *Request) error {
	sts, err := r.engine.Statuses(ctx)
	if err != nil {
		return err
	}
	if len(sts) == 0 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "nothing tracked", nil)
		return err
	}
	sort.Slice(sts, func(i, j int) bool { return sts[i].InEffectAt.Before(sts[j].InEffectAt) })

	var b strings.Builder
	for _, st := range sts {
		fmt.Fprintf(&b, "#%d %q — in effect %s, reminder %s",
			st.SourceMessageID, tgtext.TruncRunes(st.Expr, 48),
			st.InEffectAt.Format("2 Jan 15:04"), string(st.State))
		if st.State == monitor.ReminderScheduled {
			fmt.Fprintf(&b, " at %s", st.ReminderAt.Format("2 Jan 15:04"))
		}
		if st.PendingApproval {
			b.WriteString(" [expired, awaiting review]")
		}
		b.WriteString("\n")
	}
	return r.sendLong(ctx, req, b.String())
}

func (r *Router) cmdApprove(ctx context.Context, req *Request) error {
	id, err := r.argID(ctx, req, "/approve <message_id>")
	if err != nil || id == 0 {
		return err
	}
	if err := r.engine.ResolveExpiry(ctx, id, true); err != nil {
		return err
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("message %d removed", id), nil)
	return err
}

func (r *Router) cmdKeep(ctx context.Context, req *Request) error {
	id, err := r.argID(ctx, req, "/keep <message_id>")
	if err != nil || id == 0 {
		return err
	}
	if err := r.engine.ResolveExpiry(ctx, id, false); err != nil {
		return err
	}
	_, err = req.Adapter.SendText(ctx, req.Chat, fmt.Sprintf("message %d kept, tracking stopped", id), nil)
	return err
}

// argID parses the single message-id argument. A returned id of 0
// means the usage hint was already sent.
func (r *Router) argID(ctx context.Context, req *Request, usage string) (int, error) {
	if len(req.Args) < 1 {
		_, err := req.Adapter.SendText(ctx, req.Chat, "usage: "+usage, nil)
		return 0, err
	}
	id, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q", req.Args[0])
	}
	return id, nil
}
