package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitecrm/chatsync"
)

var (
	tailMetricsAddr string
	tailNoCache     bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9464)")
	tailCmd.Flags().BoolVar(&tailNoCache, "no-cache", false, "do not read or write the local snapshot cache")
}

var tailCmd = &cobra.Command{
	Use:   "tail <channel-id>",
	Short: "Follow a channel live; lines typed on stdin are sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || channelID <= 0 {
			return fmt.Errorf("invalid channel id %q", args[0])
		}
		cfg, err := requireSession()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		transport, err := newTransport(cfg, log)
		if err != nil {
			return err
		}

		var cache chatsync.Cache
		if !tailNoCache {
			pc, err := openCache(cfg)
			if err != nil {
				log.Warn("snapshot cache unavailable", zap.Error(err))
			} else {
				defer pc.Close()
				cache = pc
			}
		}

		reg := prometheus.NewRegistry()
		metrics := chatsync.NewMetrics(reg)
		if tailMetricsAddr != "" {
			srv := &http.Server{Addr: tailMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Warn("metrics server stopped", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		engine := chatsync.New(newAPIClient(cfg), transport, chatsync.Config{
			UserID:            cfg.Auth.UserID,
			ResyncOnReconnect: true,
			Logger:            log,
			Cache:             cache,
			Metrics:           metrics,
		})

		out := newTimelinePrinter(os.Stdout, channelID)
		engine.On(chatsync.ChangeMessages, func(_ string, payload any) {
			if msgs, ok := payload.([]chatsync.Message); ok {
				out.messages(msgs)
			}
		})
		engine.On(chatsync.ChangeTyping, func(_ string, payload any) {
			if tc, ok := payload.(chatsync.TypingChange); ok && tc.ChannelID == channelID {
				out.typing(tc.Names)
			}
		})
		engine.On(chatsync.ChangeState, func(_ string, payload any) {
			fmt.Fprintf(os.Stderr, "-- %v\n", payload)
		})

		if err := engine.Restore(); err != nil {
			log.Warn("restore failed", zap.Error(err))
		}
		if err := engine.Connect(ctx); err != nil {
			return err
		}
		defer engine.Close()

		engine.Reload(ctx)
		engine.SetActiveChannel(ctx, channelID)
		if c, ok := engine.Channel(channelID); ok {
			fmt.Fprintf(os.Stderr, "-- #%d %s (%d member(s))\n", c.ID, c.Name, len(c.Members))
		}

		return readAndSend(ctx, os.Stdin, engine, channelID)
	},
}

// readAndSend sends every non-empty stdin line until ctx ends.
func readAndSend(ctx context.Context, in io.Reader, engine *chatsync.Engine, channelID int64) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := engine.SendMessage(ctx, channelID, line, nil, nil); err != nil {
				fmt.Fprintf(os.Stderr, "-- not sent: %v\n", err)
			}
		}
	}
}

// ============================================================================
// Output
// ============================================================================

type timelinePrinter struct {
	mu        sync.Mutex
	w         io.Writer
	channelID int64
	printed   map[int64]bool
	typists   string
}

func newTimelinePrinter(w io.Writer, channelID int64) *timelinePrinter {
	return &timelinePrinter{w: w, channelID: channelID, printed: make(map[int64]bool)}
}

// messages prints the entries of a timeline snapshot not printed before.
func (p *timelinePrinter) messages(msgs []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if p.printed[m.ID] || m.ChannelID != p.channelID {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintln(p.w, formatMessage(m))
	}
}

func (p *timelinePrinter) typing(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := ""
	switch len(names) {
	case 0:
	case 1:
		line = names[0] + " is typing..."
	default:
		line = strings.Join(names, ", ") + " are typing..."
	}
	if line == p.typists {
		return
	}
	p.typists = line
	if line != "" {
		fmt.Fprintln(p.w, "-- "+line)
	}
}

func formatMessage(m chatsync.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), valueOrDefault(m.SenderName, "unknown"), m.Text)
	if m.Edited {
		b.WriteString(" (edited)")
	}
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, " <- %s: %q", m.ReplyTo.SenderName, m.ReplyTo.Text)
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "\n    [%s, %s]", a.Name, humanize.Bytes(uint64(max(a.Size, 0))))
	}
	for _, r := range m.Reactions {
		fmt.Fprintf(&b, " %s%d", r.Emoji, r.Count)
	}
	return b.String()
}
