package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/loqalabs/loqa-radio/internal/bus"
	"github.com/loqalabs/loqa-radio/internal/channel"
	"github.com/loqalabs/loqa-radio/internal/config"
	"github.com/loqalabs/loqa-radio/internal/receiver"
	"github.com/loqalabs/loqa-radio/internal/render"
	radiosignal "github.com/loqalabs/loqa-radio/internal/signal"
	"github.com/loqalabs/loqa-radio/internal/window"
)

var version = "0.1.0-dev"

// feed is what the screen draws from: a live receiver or an offline reel.
type feed interface {
	// Advance moves the feed one refresh forward. Points is stable between calls.
	Advance()
	Points() []window.Point
	Current() channel.Channel
	Switch(id channel.ID) (channel.Theme, error)
	Caption(frame render.Frame) string
}

func main() {
	var (
		configPath  string
		topic       string
		offline     bool
		logPath     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.StringVar(&topic, "channel", "", "Channel to tune in first (receiver.channel when empty)")
	flag.BoolVar(&offline, "offline", false, "Roll a locally generated signal instead of subscribing")
	flag.StringVar(&logPath, "log", "", "Write JSON logs to this file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	if err := run(configPath, topic, offline, logPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, topic string, offline bool, logPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := openLogger(logPath, cfg.Telemetry.SlogLevel())
	if err != nil {
		return err
	}
	defer closeLog()

	table, err := channel.FromConfig(cfg.Channels)
	if err != nil {
		return err
	}
	if topic == "" {
		topic = cfg.Receiver.Channel
	}
	first, err := table.ByTopic(topic)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var f feed
	if offline {
		source, err := radiosignal.FromConfig(cfg.Signal)
		if err != nil {
			return err
		}
		rf := &reelFeed{ctx: ctx, table: table, source: source, width: cfg.Receiver.WindowWidth}
		if _, err := rf.Switch(first.ID); err != nil {
			return err
		}
		f = rf
	} else {
		tr, err := bus.Open(cfg.Transport, logger)
		if err != nil {
			return err
		}
		rcv, err := receiver.New(table, tr, receiver.Options{
			Width:    cfg.Receiver.WindowWidth,
			Endpoint: bus.EndpointFromConfig(cfg.Transport),
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		if err := rcv.Connect(ctx); err != nil {
			return err
		}
		defer rcv.Close()
		if err := rcv.Subscribe(first.ID); err != nil {
			return err
		}
		go func() {
			if err := rcv.Run(ctx); err != nil {
				logger.Error("receive loop exited", slog.String("error", err.Error()))
			}
		}()
		f = &liveFeed{rcv: rcv}
	}

	if err := ui.Init(); err != nil {
		return fmt.Errorf("failed to initialize termui: %w", err)
	}
	defer ui.Close()

	s := newScreen(table, first.Theme)
	s.resize(ui.TerminalDimensions())
	s.draw(f)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(time.Duration(cfg.Receiver.RefreshMS) * time.Millisecond)
	defer ticker.Stop()
	events := ui.PollEvents()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.Advance()
			s.draw(f)
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "l":
				s.theme = channel.LuckyTheme(rng)
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				s.resize(payload.Width, payload.Height)
				ui.Clear()
			default:
				n, err := strconv.Atoi(e.ID)
				if err != nil || n < 1 || n > table.Len() {
					continue
				}
				theme, err := f.Switch(channel.ID(n - 1))
				if err != nil {
					logger.Warn("channel switch failed", slog.String("error", err.Error()))
					s.status = err.Error()
				} else {
					s.theme = theme
					s.status = ""
				}
			}
			s.draw(f)
		}
	}
}

type screen struct {
	chart  *widgets.BarChart
	info   *widgets.Paragraph
	help   *widgets.Paragraph
	theme  channel.Theme
	status string
}

func newScreen(table *channel.Table, theme channel.Theme) *screen {
	chart := widgets.NewBarChart()
	chart.Title = "loqa-radio"
	chart.BarWidth = 3
	chart.BarGap = 1
	chart.NumFormatter = func(v float64) string { return strconv.Itoa(int(math.Round(v))) }

	help := widgets.NewParagraph()
	help.Title = "keys"
	help.Text = fmt.Sprintf("1-%d switch channel  l lucky colours  q quit", table.Len())
	for _, ch := range table.All() {
		help.Text += fmt.Sprintf("\n%d %s", int(ch.ID)+1, ch.Title())
	}

	return &screen{chart: chart, info: widgets.NewParagraph(), help: help, theme: theme}
}

func (s *screen) resize(width, height int) {
	side := min(30, width/3)
	s.chart.SetRect(0, 0, width-side, height-3)
	s.info.SetRect(0, height-3, width-side, height)
	s.help.SetRect(width-side, 0, width, height)
}

func (s *screen) draw(f feed) {
	frame := render.Compose(f.Points(), f.Current(), s.theme)
	data := make([]float64, len(frame.Bars))
	labels := make([]string, len(frame.Bars))
	colors := make([]ui.Color, len(frame.Bars))
	for i, bar := range frame.Bars {
		data[i] = bar.Height
		labels[i] = strconv.FormatInt(bar.Index%1000, 10)
		if c, err := render.Xterm256(bar.Color); err == nil {
			colors[i] = ui.Color(c)
		}
	}
	s.chart.Data = data
	s.chart.Labels = labels
	s.chart.BarColors = colors
	s.chart.MaxVal = math.Max(frame.Peak, 1)
	s.info.Text = f.Caption(frame)
	if s.status != "" {
		s.info.Text += "  (" + s.status + ")"
	}
	ui.Render(s.chart, s.info, s.help)
}

type liveFeed struct {
	rcv *receiver.Receiver
}

func (l *liveFeed) Advance() {}

func (l *liveFeed) Points() []window.Point { return l.rcv.Window().Snapshot() }

func (l *liveFeed) Current() channel.Channel {
	ch, ok := l.rcv.Current()
	if !ok {
		return channel.Channel{}
	}
	return ch
}

func (l *liveFeed) Switch(id channel.ID) (channel.Theme, error) { return l.rcv.SwitchChannel(id) }

func (l *liveFeed) Caption(frame render.Frame) string { return frame.Caption }

// reelFeed rolls a locally generated signal one step per refresh tick.
type reelFeed struct {
	ctx    context.Context
	table  *channel.Table
	source radiosignal.Source
	width  int

	current channel.Channel
	reel    *window.Reel
	last    []window.Point
}

func (r *reelFeed) Advance() {
	if r.reel != nil {
		r.last = r.reel.Roll(r.width)
	}
}

func (r *reelFeed) Points() []window.Point {
	if r.last == nil {
		r.Advance()
	}
	return r.last
}

func (r *reelFeed) Current() channel.Channel { return r.current }

func (r *reelFeed) Switch(id channel.ID) (channel.Theme, error) {
	ch, err := r.table.Lookup(id)
	if err != nil {
		return channel.Theme{}, err
	}
	samples, err := r.source.Generate(r.ctx, ch.Params)
	if err != nil {
		return channel.Theme{}, err
	}
	points := make([]window.Point, len(samples))
	for i, s := range samples {
		points[i] = window.Point{Index: int64(s.Index), Value: s.Amplitude}
	}
	reel, err := window.NewReel(points)
	if err != nil {
		return channel.Theme{}, err
	}
	r.current, r.reel, r.last = ch, reel, nil
	return ch.Theme, nil
}

func (r *reelFeed) Caption(render.Frame) string {
	if len(r.last) == 0 {
		return render.Caption(r.current)
	}
	return render.Describe(r.last[len(r.last)-1].Value, r.current.Params.Voice)
}

func openLogger(path string, level slog.Level) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	return logger, func() { f.Close() }, nil
}
