// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.astrophena.name/scriptgate/internal/scripts"
	"go.astrophena.name/scriptgate/internal/telegram"
	"go.astrophena.name/scriptgate/internal/tgmarkup"
)

type commandFunc func(e *engine, ctx context.Context, from scripts.Sender, args string) (string, error)

// commands maps command names, with aliases, to their handlers.
var commands = map[string]struct {
	name string
	f    commandFunc
}{
	"/start":    {"start", (*engine).cmdStart},
	"/help":     {"start", (*engine).cmdStart},
	"/مساعدة":   {"start", (*engine).cmdStart},
	"/protect":  {"protect", (*engine).cmdProtect},
	"/حماية":    {"protect", (*engine).cmdProtect},
	"/mine":     {"mine", (*engine).cmdMine},
	"/قائمتي":   {"mine", (*engine).cmdMine},
	"/info":     {"info", (*engine).cmdInfo},
	"/معلومات":  {"info", (*engine).cmdInfo},
	"/stats":    {"stats", (*engine).cmdStats},
	"/احصائيات": {"stats", (*engine).cmdStats},
}

const (
	maxListed      = 10
	maxInfoPreview = 500
	dateFormat     = "2006-01-02 15:04"

	unknownReply = "❓ I didn't understand your message. Send /start to see the available commands."
	errorReply   = "❌ Something went wrong. Please try again later."
)

// handleUpdate runs the command in the update and sends the reply.
func (e *engine) handleUpdate(ctx context.Context, u telegram.Update) error {
	m := u.Message
	if m == nil || m.From == nil || m.Text == "" {
		return nil
	}

	name, args := parseCommand(m.Text, e.username())
	reply := unknownReply
	label := "unknown"
	if cmd, ok := commands[name]; ok {
		label = cmd.name
		from := scripts.Sender{
			ExternalID: strconv.FormatInt(m.From.ID, 10),
			Username:   m.From.Username,
			FirstName:  m.From.FirstName,
		}
		var err error
		reply, err = cmd.f(e, ctx, from, args)
		if err != nil {
			e.log.Error("running bot command", "command", name, "from", m.From.ID, "err", err)
			reply = errorReply
		}
	}
	e.metrics.IncBotUpdate(label)

	if err := e.store.UpdateBotStatus(ctx, scripts.BotStatusUpdate{LastActivity: scripts.Ptr(e.now())}); err != nil {
		e.log.Error("updating bot activity", "err", err)
	}
	if err := e.tg.SendMessage(ctx, m.Chat.ID, tgmarkup.FromMarkdown(reply)); err != nil {
		e.metrics.IncBotSendError()
		return err
	}
	return nil
}

func (e *engine) username() string {
	if p := e.botUsername.Load(); p != nil {
		return *p
	}
	return ""
}

// parseCommand splits a message into a command name and its arguments. The
// name is empty if the message is not a command. A "@bot" suffix of the name
// is removed if it addresses this bot.
func parseCommand(text, botUsername string) (name, args string) {
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	end := strings.IndexFunc(text, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t'
	})
	if end < 0 {
		end = len(text)
	}
	name, args = text[:end], strings.TrimSpace(text[end:])
	if cmd, at, ok := strings.Cut(name, "@"); ok {
		if botUsername != "" && !strings.EqualFold(at, botUsername) {
			return "", ""
		}
		name = cmd
	}
	return name, args
}

func (e *engine) cmdStart(ctx context.Context, from scripts.Sender, _ string) (string, error) {
	u, err := e.svc.EnsureUser(ctx, from)
	if err != nil {
		return "", err
	}
	if err := e.svc.RecordEvent(ctx, u, scripts.ActionBotStart, "User started the bot", "", ""); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("🛡️ **Welcome to the script protection bot!**\n\n")
	sb.WriteString("**Commands:**\n\n")
	sb.WriteString("📝 **/protect** `code`: protect and store a new script (/حماية)\n")
	sb.WriteString("📜 **/mine**: list your scripts (/قائمتي)\n")
	sb.WriteString("📄 **/info** `token`: show one of your scripts (/معلومات)\n")
	sb.WriteString("📊 **/stats**: show bot statistics (/احصائيات)\n")
	sb.WriteString("ℹ️ **/help**: show this message (/مساعدة)\n\n")
	sb.WriteString("**Example:** `/protect print(\"Hello World\")`\n\n")
	sb.WriteString("You get a protected link that works from Roblox only.\n\n")
	fmt.Fprintf(&sb, "🌐 **Service:** %s", e.baseURL())
	return sb.String(), nil
}

func (e *engine) cmdProtect(ctx context.Context, from scripts.Sender, args string) (string, error) {
	sc, _, err := e.svc.Protect(ctx, from, args)
	switch {
	case errors.Is(err, scripts.ErrEmptyScript):
		return "❌ Send the script code after /protect.", nil
	case errors.Is(err, scripts.ErrDuplicateScript):
		return "⚠️ This script is already in your list!", nil
	case err != nil:
		return "", err
	}
	e.metrics.IncScriptCreated()

	var sb strings.Builder
	sb.WriteString("✅ **Script protected!**\n\n")
	sb.WriteString("📋 **Loadstring:**\n\n")
	sb.WriteString(loadstring(e.scriptURL(sc.Token)))
	fmt.Fprintf(&sb, "🔗 **Token:** `%s`\n", sc.Token)
	fmt.Fprintf(&sb, "📅 **Created:** %s\n", sc.CreatedAt.Format(dateFormat))
	fmt.Fprintf(&sb, "📊 **Size:** %d characters\n\n", utf8.RuneCountInString(sc.Content))
	sb.WriteString("🛡️ This link works from Roblox only.")
	return sb.String(), nil
}

func (e *engine) cmdMine(ctx context.Context, from scripts.Sender, _ string) (string, error) {
	list, _, err := e.svc.UserScripts(ctx, from)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "📝 You have no scripts yet. Use /protect to add one.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📜 **Your scripts (%d):**\n\n", len(list))
	for i, sc := range list[:min(len(list), maxListed)] {
		fmt.Fprintf(&sb, "%d. **%s**: %s, %d downloads, %d characters\n",
			i+1, sc.Token, sc.CreatedAt.Format(dateFormat), sc.DownloadCount, utf8.RuneCountInString(sc.Content))
	}
	if n := len(list) - maxListed; n > 0 {
		fmt.Fprintf(&sb, "\n... and %d more", n)
	}
	return sb.String(), nil
}

func (e *engine) cmdInfo(ctx context.Context, from scripts.Sender, args string) (string, error) {
	token, _, _ := strings.Cut(args, " ")
	if token == "" {
		return "❌ Send the script token after /info.", nil
	}
	sc, u, err := e.svc.ScriptInfo(ctx, from, token)
	if errors.Is(err, scripts.ErrNotFound) {
		return "🔒 This script doesn't belong to you or doesn't exist.", nil
	}
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("📄 **Script info:**\n\n")
	fmt.Fprintf(&sb, "🔗 **Token:** `%s`\n", sc.Token)
	fmt.Fprintf(&sb, "📅 **Created:** %s\n", sc.CreatedAt.Format(dateFormat))
	fmt.Fprintf(&sb, "👤 **Owner:** %s\n", u.Name())
	fmt.Fprintf(&sb, "📊 **Size:** %d characters\n", utf8.RuneCountInString(sc.Content))
	fmt.Fprintf(&sb, "📥 **Downloads:** %d\n\n", sc.DownloadCount)
	sb.WriteString("📋 **Loadstring:**\n\n")
	sb.WriteString(loadstring(e.scriptURL(sc.Token)))
	sb.WriteString("📝 **Script:**\n\n")
	sb.WriteString(fence("lua", preview(sc.Content, maxInfoPreview)))
	return sb.String(), nil
}

func (e *engine) cmdStats(ctx context.Context, from scripts.Sender, _ string) (string, error) {
	stats, err := e.agg.Stats(ctx)
	if err != nil {
		return "", err
	}
	u, err := e.svc.EnsureUser(ctx, from)
	if err != nil {
		return "", err
	}
	own, err := e.store.ListScriptsByOwner(ctx, u.ID)
	if err != nil {
		return "", err
	}
	if err := e.svc.RecordEvent(ctx, u, scripts.ActionStatsViewed, "User viewed statistics", "", ""); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("📊 **Bot statistics:**\n\n")
	fmt.Fprintf(&sb, "📜 Total scripts: **%d**\n", stats.TotalScripts)
	fmt.Fprintf(&sb, "👥 Active users: **%d**\n", stats.ActiveUsers)
	fmt.Fprintf(&sb, "📝 Your scripts: **%d**\n", len(own))
	fmt.Fprintf(&sb, "📥 Downloads today: **%d**\n", stats.TodayDownloads)
	fmt.Fprintf(&sb, "⏰ Uptime: **%s**", time.Duration(stats.UptimeSeconds)*time.Second)
	return sb.String(), nil
}

func loadstring(url string) string {
	return fence("", fmt.Sprintf("loadstring(game:HttpGet(%q))()", url))
}

// fence returns s as a fenced code block. The fence is longer than any
// backtick run in s.
func fence(lang, s string) string {
	n := 3
	for run := strings.Repeat("`", n); strings.Contains(s, run); run += "`" {
		n++
	}
	f := strings.Repeat("`", n)
	return f + lang + "\n" + s + "\n" + f + "\n\n"
}

func preview(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "\n..."
}
