// Package logstream serves bot output to authorized readers. Each
// subscriber gets its own engine log handle, so a slow reader only ever
// holds back itself.
package logstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"bothost/internal/bots"
	"bothost/internal/engine"
	"bothost/internal/logging"
	"bothost/internal/metrics"
	"bothost/pkg/models"

	"go.uber.org/zap"
)

const (
	// MaxLineBytes bounds one delivered line. Longer lines arrive as
	// several lines of at most MaxLineBytes each.
	MaxLineBytes = 64 << 10

	// DefaultBacklog is how many recent lines a new subscription starts with.
	DefaultBacklog = 50

	// MaxTailLines caps Tail requests.
	MaxTailLines = 5000

	lineBuffer = 64
)

// Target resolves which container a caller may read.
type Target interface {
	LogTarget(ctx context.Context, caller bots.Caller, botID uint) (*models.Bot, engine.Ref, error)
}

// Source reads container output.
type Source interface {
	StreamLogs(ctx context.Context, ref engine.Ref, tail int) (io.ReadCloser, error)
	TailLogs(ctx context.Context, ref engine.Ref, n int) (string, error)
}

// Gateway hands out log subscriptions and tracks them per bot so the
// lifecycle can end them.
type Gateway struct {
	target  Target
	source  Source
	backlog int
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[uint]map[*Subscription]struct{}
}

// NewGateway creates a gateway. logger may be nil.
func NewGateway(target Target, source Source, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = logging.L()
	}
	return &Gateway{
		target:  target,
		source:  source,
		backlog: DefaultBacklog,
		logger:  logger,
		metrics: metrics.Get(),
		subs:    make(map[uint]map[*Subscription]struct{}),
	}
}

// Subscription is one reader's view of a bot's output.
type Subscription struct {
	BotID uint
	// Live is false when the bot was not running and the subscription only
	// replays its final output.
	Live bool

	lines  chan string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Lines delivers output lines without their trailing newline. The channel
// is closed when the stream ends.
func (s *Subscription) Lines() <-chan string { return s.lines }

// Done is closed once the stream has ended and its reader is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the stream ended. It is nil for a normal end and only
// meaningful after Done is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Close ends the subscription and waits for its reader to be released.
// It is safe to call more than once.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe opens a stream of botID's output. A running bot is followed
// live after the most recent lines; a stopped or crashed bot yields its
// last lines and then ends. The stream also ends when ctx is done.
func (g *Gateway) Subscribe(ctx context.Context, caller bots.Caller, botID uint) (*Subscription, error) {
	bot, ref, err := g.target.LogTarget(ctx, caller, botID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	live := bot.Status == models.BotStatusRunning

	var rc io.ReadCloser
	if live {
		rc, err = g.source.StreamLogs(sctx, ref, g.backlog)
	} else {
		var text string
		text, err = g.source.TailLogs(sctx, ref, g.backlog)
		rc = io.NopCloser(strings.NewReader(text))
	}
	if err != nil {
		cancel()
		return nil, err
	}

	sub := &Subscription{
		BotID:  botID,
		Live:   live,
		lines:  make(chan string, lineBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	g.add(sub)
	g.metrics.LogStreamOpened()

	go func() {
		<-sctx.Done()
		rc.Close()
	}()
	go g.pump(sctx, sub, rc)

	g.logger.Debug("log stream opened",
		zap.Uint("bot_id", botID),
		zap.Uint("user_id", caller.UserID),
		zap.Bool("live", live),
		zap.Int("readers", g.Active(botID)))
	return sub, nil
}

// Tail returns up to n recent lines of botID's output.
func (g *Gateway) Tail(ctx context.Context, caller bots.Caller, botID uint, n int) (string, error) {
	_, ref, err := g.target.LogTarget(ctx, caller, botID)
	if err != nil {
		return "", err
	}
	if n <= 0 {
		n = DefaultBacklog
	}
	if n > MaxTailLines {
		n = MaxTailLines
	}
	return g.source.TailLogs(ctx, ref, n)
}

// CloseBot ends every open subscription of botID.
func (g *Gateway) CloseBot(botID uint) {
	g.mu.Lock()
	subs := make([]*Subscription, 0, len(g.subs[botID]))
	for s := range g.subs[botID] {
		subs = append(subs, s)
	}
	g.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	if len(subs) > 0 {
		g.logger.Debug("closed log streams", zap.Uint("bot_id", botID), zap.Int("count", len(subs)))
	}
}

// Active returns the number of open subscriptions of botID.
func (g *Gateway) Active(botID uint) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs[botID])
}

func (g *Gateway) pump(ctx context.Context, sub *Subscription, rc io.ReadCloser) {
	defer func() {
		sub.cancel()
		rc.Close()
		g.remove(sub)
		g.metrics.LogStreamClosed()
		close(sub.lines)
		close(sub.done)
	}()

	br := bufio.NewReaderSize(rc, MaxLineBytes)
	split := false
	var err error
	for {
		var chunk []byte
		chunk, err = br.ReadSlice('\n')
		full := errors.Is(err, bufio.ErrBufferFull)
		line := strings.TrimRight(string(chunk), "\r\n")
		// The newline ending a line that was just cut at the limit is not
		// a line of its own.
		if len(chunk) > 0 && !(split && line == "" && !full) {
			select {
			case sub.lines <- line:
				g.metrics.LogLinesTotal.Inc()
			case <-ctx.Done():
				return
			}
		}
		split = full
		if full {
			continue
		}
		if err != nil {
			break
		}
	}

	if errors.Is(err, io.EOF) || ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
		return
	}
	sub.err = err
	g.logger.Warn("log stream ended with error", zap.Uint("bot_id", sub.BotID), zap.Error(err))
}

func (g *Gateway) add(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.subs[sub.BotID]
	if !ok {
		set = make(map[*Subscription]struct{})
		g.subs[sub.BotID] = set
	}
	set[sub] = struct{}{}
}

func (g *Gateway) remove(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.subs[sub.BotID]
	delete(set, sub)
	if len(set) == 0 {
		delete(g.subs, sub.BotID)
	}
}
