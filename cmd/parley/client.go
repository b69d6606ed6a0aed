package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/parley/internal/dispatch"
	modelchat "github.com/zhouzirui/parley/internal/model/chat"
	"github.com/zhouzirui/parley/internal/model/persona"
	model "github.com/zhouzirui/parley/internal/model/relationship"
	"github.com/zhouzirui/parley/internal/relationship"
	chatService "github.com/zhouzirui/parley/internal/service/chat"
	"github.com/zhouzirui/parley/internal/session"
	"github.com/zhouzirui/parley/internal/transport"
)

var errRelayUnreachable = errors.New("relay unreachable")

type client struct {
	out    io.Writer
	svc    *chatService.Service
	sess   *session.Session
	logger zerolog.Logger
	panels map[string]*relationship.Panel

	reconnect    func(ctx context.Context) error
	reconnecting atomic.Bool

	mu          sync.Mutex
	undelivered string
}

func (c *client) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *client) consume(ctx context.Context) {
	for ev := range c.svc.Events() {
		c.handle(ctx, ev)
	}
}

func (c *client) handle(ctx context.Context, ev chatService.Event) {
	switch ev.Kind {
	case chatService.EventFrame:
		if line := renderFrame(c.sess, ev.Frame); line != "" {
			c.printf("%s\n", line)
		}
	case chatService.EventDeliveryFailed:
		c.mu.Lock()
		c.undelivered = ev.Text
		fmt.Fprintf(c.out, "! %s\n", ev.Message.Content)
		c.mu.Unlock()
	case chatService.EventConnection:
		c.printf("* connection %s\n", ev.State)
		if ev.State == modelchat.StateClosed && transport.IsRetryable(ev.Err) && ctx.Err() == nil {
			c.startReconnect(ctx)
		}
	}
}

// startReconnect runs at most one reconnect loop at a time.
func (c *client) startReconnect(ctx context.Context) {
	if c.reconnect == nil || !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.reconnecting.Store(false)
		if err := c.reconnect(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("giving up on reconnect")
			c.printf("* could not reconnect: %v\n", err)
			return
		}
		c.printf("* reconnected\n")
	}()
}

func reconnectWithBackoff(ctx context.Context, svc *chatService.Service, sess *session.Session) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := svc.Reconnect(ctx); err != nil {
			if errors.Is(err, chatService.ErrClosed) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if !awaitOpen(ctx, sess, 15*time.Second) {
			return struct{}{}, errRelayUnreachable
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(2*time.Minute))
	return err
}

// awaitOpen polls until the session leaves Connecting.
func awaitOpen(ctx context.Context, sess *session.Session, timeout time.Duration) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		switch sess.ConnectionState() {
		case modelchat.StateOpen:
			return true
		case modelchat.StateClosed, modelchat.StateIdle:
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

// sendOnce sends text and waits until every persona has answered or wait
// expires.
func (c *client) sendOnce(ctx context.Context, text string, wait time.Duration) error {
	before := len(c.sess.Messages())
	if err := c.svc.Send(ctx, text); err != nil {
		return err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(wait)
	want := len(c.sess.Personas())

	for {
		if repliesSince(c.sess.Messages(), before+1) >= want && len(c.sess.TypingPersonas()) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out after %s waiting for replies", wait)
		case <-ticker.C:
		}
	}
}

func repliesSince(messages []modelchat.Message, from int) int {
	n := 0
	for i := from; i < len(messages); i++ {
		if messages[i].FromPersona() || messages[i].IsError {
			n++
		}
	}
	return n
}

const helpText = `Commands:
  /who                              current speaker and typing personas
  /panel                            relationship panel for every persona
  /remember <persona> <type> <text> record a memory (episodic, semantic, emotional, relational, contextual)
  /prefer <persona> <key>=<value>   update a user preference
  /retry                            resend the last undelivered message
  /quit                             leave
Anything else is sent to the personas.
`

func (c *client) repl(ctx context.Context, in *bufio.Scanner) {
	for in.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if !c.execute(ctx, line) {
			return
		}
	}
}

// execute runs one input line and reports whether the loop should continue.
func (c *client) execute(ctx context.Context, line string) bool {
	name, args := parseCommand(line)
	switch name {
	case "":
		if err := c.svc.Send(ctx, line); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			c.printf("! %v\n", err)
		}
	case "help":
		c.printf("%s", helpText)
	case "quit", "exit":
		return false
	case "who":
		c.printf("%s\n", renderPresence(c.sess))
	case "retry":
		c.mu.Lock()
		text := c.undelivered
		c.undelivered = ""
		c.mu.Unlock()
		if text == "" {
			c.printf("nothing to resend\n")
			break
		}
		if err := c.svc.Send(ctx, text); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			c.printf("! %v\n", err)
		}
	case "panel":
		c.printPanels()
	case "remember":
		c.remember(ctx, args)
	case "prefer":
		c.prefer(ctx, args)
	default:
		c.printf("unknown command /%s, try /help\n", name)
	}
	return true
}

// parseCommand splits "/name arg..." lines. Plain text yields an empty name.
func parseCommand(line string) (string, []string) {
	if !strings.HasPrefix(line, "/") {
		return "", nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func (c *client) panel(id string) (*relationship.Panel, bool) {
	if c.panels == nil {
		c.printf("relationship panel is disabled, run with -panel and PARLEY_STORE_URL\n")
		return nil, false
	}
	p, ok := c.panels[id]
	if !ok {
		c.printf("no panel for persona %q\n", id)
	}
	return p, ok
}

func (c *client) printPanels() {
	if c.panels == nil {
		c.printf("relationship panel is disabled, run with -panel and PARLEY_STORE_URL\n")
		return
	}
	for _, p := range c.sess.Personas() {
		panel, ok := c.panels[p.ID]
		if !ok {
			continue
		}
		c.printf("%s", renderPanel(p, panel.View()))
	}
}

func (c *client) remember(ctx context.Context, args []string) {
	if len(args) < 3 {
		c.printf("usage: /remember <persona> <type> <text>\n")
		return
	}
	panel, ok := c.panel(args[0])
	if !ok {
		return
	}
	kind, err := model.ParseMemoryType(args[1])
	if err != nil {
		c.printf("! %v\n", err)
		return
	}
	mem, err := panel.AddMemory(ctx, model.NewMemory{
		Type:     kind,
		Content:  strings.Join(args[2:], " "),
		Priority: model.PriorityMedium,
	})
	if err != nil {
		c.printf("! memory not saved: %v\n", err)
		return
	}
	c.printf("remembered %s (%s)\n", mem.ID, mem.Type)
}

func (c *client) prefer(ctx context.Context, args []string) {
	if len(args) != 2 {
		c.printf("usage: /prefer <persona> <key>=<value>\n")
		return
	}
	key, value, ok := strings.Cut(args[1], "=")
	if !ok || key == "" {
		c.printf("usage: /prefer <persona> <key>=<value>\n")
		return
	}
	panel, found := c.panel(args[0])
	if !found {
		return
	}
	if err := panel.UpdatePreferences(ctx, map[string]any{key: value}); err != nil {
		c.printf("! preferences not saved: %v\n", err)
		return
	}
	c.printf("saved %s for %s\n", key, args[0])
}

func personaName(sess *session.Session, id string) string {
	if p, ok := sess.Persona(id); ok {
		return p.DisplayName()
	}
	return id
}

func renderFrame(sess *session.Session, ev dispatch.Event) string {
	name := personaName(sess, ev.PersonaID)
	switch ev.Kind {
	case dispatch.EventMessage:
		return fmt.Sprintf("[%s] %s", name, ev.Message.Content)
	case dispatch.EventTyping:
		if ev.Typing {
			return fmt.Sprintf("  %s is typing...", name)
		}
		return ""
	case dispatch.EventVoice:
		return fmt.Sprintf("  %s sent a voice clip (%d bytes encoded)", name, len(ev.Audio))
	case dispatch.EventAvatar:
		if title := ev.Prompt["title"]; title != "" {
			return fmt.Sprintf("  %s avatar: %s", name, title)
		}
		return fmt.Sprintf("  %s avatar updated", name)
	case dispatch.EventServerError:
		return fmt.Sprintf("! %s", ev.Message.Content)
	}
	return ""
}

func renderPresence(sess *session.Session) string {
	var b strings.Builder
	if speaker, ok := sess.CurrentSpeaker(); ok {
		fmt.Fprintf(&b, "speaking: %s", speaker.DisplayName())
	} else {
		b.WriteString("speaking: nobody")
	}
	typing := sess.TypingPersonas()
	if len(typing) > 0 {
		b.WriteString("; typing: ")
		b.WriteString(displayNames(typing))
	}
	fmt.Fprintf(&b, "; connection %s", sess.ConnectionState())
	return b.String()
}

func renderPanel(p persona.Persona, view relationship.View) string {
	var b strings.Builder
	if !view.Loaded {
		fmt.Fprintf(&b, "%s: loading relationship...\n", p.DisplayName())
		if view.LastErr != nil {
			fmt.Fprintf(&b, "  last error: %v\n", view.LastErr)
		}
		return b.String()
	}

	rec := view.Record
	fmt.Fprintf(&b, "%s %s %s (%.0f%% progress)\n", p.DisplayName(), rec.Phase.Emoji(), rec.Phase, rec.Progress())
	fmt.Fprintf(&b, "  %s\n", rec.Phase.Description())
	fmt.Fprintf(&b, "  trust %.2f  affection %.2f  familiarity %.2f  respect %.2f  shared %d\n",
		rec.TrustScore, rec.AffectionScore, rec.FamiliarityScore, rec.RespectScore, rec.SharedExperiences)
	if len(rec.UserPreferences) > 0 {
		keys := make([]string, 0, len(rec.UserPreferences))
		for k := range rec.UserPreferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		prefs := make([]string, 0, len(keys))
		for _, k := range keys {
			prefs = append(prefs, fmt.Sprintf("%s=%v", k, rec.UserPreferences[k]))
		}
		fmt.Fprintf(&b, "  preferences: %s\n", strings.Join(prefs, ", "))
	}
	fmt.Fprintf(&b, "  memories: %d\n", len(view.Memories))
	if n := len(view.Memories); n > 0 {
		fmt.Fprintf(&b, "  latest: %s\n", view.Memories[n-1].Content)
	}
	if view.LastErr != nil {
		fmt.Fprintf(&b, "  last error: %v\n", view.LastErr)
	}
	return b.String()
}

func displayNames(personas []persona.Persona) string {
	names := make([]string, len(personas))
	for i, p := range personas {
		names[i] = p.DisplayName()
	}
	return strings.Join(names, ", ")
}
