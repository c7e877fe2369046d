package main

import (
	"context"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/webchat/pkg/client"
	"github.com/aeolun/webchat/pkg/logging"
	"github.com/aeolun/webchat/pkg/protocol"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const loremIpsum = "lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua ut enim ad minim veniam quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat"

var loremWords = strings.Fields(loremIpsum)

// generateUsername glues fragments of two random words plus the bot id, so
// names stay unique within one run
func generateUsername(id int) string {
	fragment := func() string {
		w := loremWords[rand.IntN(len(loremWords))]
		if len(w) > 4 {
			w = w[:3+rand.IntN(2)]
		}
		return w
	}
	return fragment() + fragment() + "_" + strconv.Itoa(id)
}

func randomSentence() string {
	words := make([]string, 5+rand.IntN(16))
	for i := range words {
		words[i] = loremWords[rand.IntN(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks load test results across all bots
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	sendFailures   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
	loginFailures  atomic.Int64
}

func (s *Stats) recordSuccess(responseTime time.Duration) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTime.Microseconds())
}

func (s *Stats) recordSendFailure() {
	s.messagesFailed.Add(1)
	s.sendFailures.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()
	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

// BotClient is one simulated user posting to a random room
type BotClient struct {
	id       int
	username string
	room     string
	conn     *client.Connection
	stats    *Stats
	logger   *zap.Logger
}

func NewBotClient(id int, serverAddr string, rooms []string, stats *Stats, logger *zap.Logger) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr, nil)
	if err != nil {
		return nil, err
	}
	return &BotClient{
		id:       id,
		username: generateUsername(id),
		room:     rooms[rand.IntN(len(rooms))],
		conn:     conn,
		stats:    stats,
		logger:   logger,
	}, nil
}

func (bc *BotClient) Connect(ctx context.Context) error {
	if err := bc.conn.Connect(ctx); err != nil {
		return err
	}
	if _, err := bc.conn.Join(bc.username, bc.room); err != nil {
		bc.stats.loginFailures.Add(1)
		return errors.Wrap(err, "join")
	}
	return nil
}

// PostAndWait sends one message and waits for the server to echo it back
// through the room broadcast
func (bc *BotClient) PostAndWait(timeout time.Duration) error {
	content := randomSentence()
	start := time.Now()
	if err := bc.conn.Say(content); err != nil {
		bc.stats.recordSendFailure()
		return err
	}

	deadline := start.Add(timeout)
	for {
		frame, err := bc.conn.WaitFor(time.Until(deadline), protocol.TypeMessage)
		if errors.Is(err, client.ErrTimeout) {
			bc.stats.recordTimeout()
			return err
		}
		if err != nil {
			bc.stats.recordDisconnection()
			return err
		}
		var msg protocol.MessageEvent
		if frame.Decode(&msg) == nil && msg.Sender == bc.username && msg.Message == content {
			bc.stats.recordSuccess(time.Since(start))
			return nil
		}
	}
}

// Run posts until ctx ends or the connection fails
func (bc *BotClient) Run(ctx context.Context, minDelay, maxDelay time.Duration) {
	defer bc.conn.Close()
	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += rand.N(maxDelay - minDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := bc.PostAndWait(client.ReplyTimeout); err != nil {
			bc.logger.Debug("bot stopped", zap.Int("bot", bc.id), zap.String("username", bc.username), zap.Error(err))
			return
		}
	}
}

type loadtestOptions struct {
	server   string
	clients  int
	duration time.Duration
	minDelay time.Duration
	maxDelay time.Duration
	rooms    []string
	logLevel string
}

func loadtestCmd() *cobra.Command {
	opts := loadtestOptions{}

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Connect many bots to a server and measure message round trips",
		Long: `Each bot joins a random room and posts random sentences, timing how long
the server takes to broadcast each one back. Raise the server's
limits.message_rate_limit (or set it to 0) before running with short delays.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cleanup, err := logging.New(logging.Config{Level: opts.logLevel})
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			runLoadTest(ctx, opts, logger)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "localhost:8765", "Server address")
	cmd.Flags().IntVar(&opts.clients, "clients", 10, "Number of concurrent clients")
	cmd.Flags().DurationVar(&opts.duration, "duration", time.Minute, "Test duration")
	cmd.Flags().DurationVar(&opts.minDelay, "min-delay", 500*time.Millisecond, "Minimum delay between posts")
	cmd.Flags().DurationVar(&opts.maxDelay, "max-delay", 2*time.Second, "Maximum delay between posts")
	cmd.Flags().StringSliceVar(&opts.rooms, "rooms", []string{protocol.DefaultRoom}, "Rooms bots spread across")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level")
	return cmd
}

func runLoadTest(ctx context.Context, opts loadtestOptions, logger *zap.Logger) *Stats {
	if opts.clients < 1 {
		opts.clients = 1
	}
	if len(opts.rooms) == 0 {
		opts.rooms = []string{protocol.DefaultRoom}
	}

	// Ramp up over a quarter of the test
	rampUp := opts.duration / 4
	stagger := rampUp / time.Duration(opts.clients)
	if stagger < time.Millisecond {
		stagger = time.Millisecond
	}

	logger.Info("starting load test",
		zap.String("server", opts.server),
		zap.Int("clients", opts.clients),
		zap.Duration("duration", opts.duration),
		zap.Duration("ramp_up", rampUp),
		zap.Strings("rooms", opts.rooms))

	ctx, cancel := context.WithTimeout(ctx, opts.duration+rampUp)
	defer cancel()

	stats := &Stats{}
	start := time.Now()

	stopReporter := make(chan struct{})
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				logger.Info("progress",
					zap.Int64("posted", posted),
					zap.Float64("per_second", float64(posted)/time.Since(start).Seconds()),
					zap.Int64("failed", failed),
					zap.Int64("conn_errors", connErrors),
					zap.Float64("avg_ms", avgUs/1000),
					zap.Int("goroutines", runtime.NumGoroutine()))
			case <-stopReporter:
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < opts.clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(id, opts.server, opts.rooms, stats, logger)
			if err != nil {
				stats.connectionErrors.Add(1)
				logger.Debug("bot setup failed", zap.Int("bot", id), zap.Error(err))
				return
			}
			if err := bot.Connect(ctx); err != nil {
				stats.connectionErrors.Add(1)
				logger.Debug("bot connect failed", zap.Int("bot", id), zap.Error(err))
				bot.conn.Close()
				return
			}
			stats.successfulClients.Add(1)
			if id%100 == 0 {
				logger.Info("bot connected", zap.Int("bot", id), zap.String("room", bot.room))
			}
			bot.Run(ctx, opts.minDelay, opts.maxDelay)
		}(i)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	close(stopReporter)
	<-reporterDone

	posted, failed, connErrors, avgUs := stats.snapshot()
	elapsed := time.Since(start)
	fields := []zap.Field{
		zap.Int("clients_attempted", opts.clients),
		zap.Int64("clients_connected", stats.successfulClients.Load()),
		zap.Duration("elapsed", elapsed.Round(time.Second)),
		zap.Int64("posted", posted),
		zap.Float64("per_second", float64(posted)/elapsed.Seconds()),
		zap.Int64("failed", failed),
		zap.Int64("send_failures", stats.sendFailures.Load()),
		zap.Int64("timeouts", stats.timeouts.Load()),
		zap.Int64("disconnections", stats.disconnections.Load()),
		zap.Int64("conn_errors", connErrors),
		zap.Int64("login_failures", stats.loginFailures.Load()),
		zap.Float64("avg_ms", avgUs/1000),
	}
	if posted+failed > 0 {
		fields = append(fields, zap.Float64("success_pct", float64(posted)/float64(posted+failed)*100))
	}
	logger.Info("load test finished", fields...)
	return stats
}
