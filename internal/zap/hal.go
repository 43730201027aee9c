// Package zap is the telephony channel core: spans of channels behind
// pluggable I/O drivers, the channel state engine, and the DTMF, tone and
// caller-ID pipelines on the media path.
//
// A HAL owns everything. Drivers register with it, spans are created on a
// registered driver and channels are added to spans by the driver.
package zap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configure a HAL.
type Options struct {
	Logger *slog.Logger

	// MaxChannelsSpan caps channels per span, at most MaxChannelsSpan.
	MaxChannelsSpan int
}

// HAL is the process context: the registered drivers and every span.
type HAL struct {
	logger   *slog.Logger
	maxChans int

	mu         sync.Mutex
	interfaces map[string]IOInterface
	spans      []*Span
	spanIndex  int
	perIO      map[string]int
	closed     bool
}

// Init creates a HAL.
func Init(opts Options) *HAL {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxChans := opts.MaxChannelsSpan
	if maxChans <= 0 || maxChans > MaxChannelsSpan {
		maxChans = MaxChannelsSpan
	}
	h := &HAL{
		logger:     logger.With("subsystem", "zap"),
		maxChans:   maxChans,
		interfaces: make(map[string]IOInterface),
		perIO:      make(map[string]int),
	}
	h.logger.Info("zap core initialised", "max_channels_span", maxChans)
	return h
}

// Logger returns the HAL logger.
func (h *HAL) Logger() *slog.Logger { return h.logger }

// Register configures a driver and makes it available to CreateSpan.
func (h *HAL) Register(io IOInterface, cfg map[string]string) error {
	name := io.Name()
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("registering %s: hal shut down: %w", name, ErrFail)
	}
	if _, ok := h.interfaces[name]; ok {
		return fmt.Errorf("io interface %q already registered: %w", name, ErrFail)
	}
	if err := io.Configure(cfg); err != nil {
		return fmt.Errorf("configuring io interface %q: %w", name, err)
	}
	h.interfaces[name] = io
	h.logger.Info("io interface loaded", "io", name)
	return nil
}

// Interface looks up a registered driver.
func (h *HAL) Interface(name string) (IOInterface, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	io, ok := h.interfaces[name]
	return io, ok
}

// Interfaces returns the registered driver names, sorted.
func (h *HAL) Interfaces() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.interfaces))
	for n := range h.interfaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CreateSpan binds a new span to driver ioName. Span ids start at 1. An
// empty name becomes "span<id>".
func (h *HAL) CreateSpan(ioName, name string, trunk TrunkType) (*Span, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("creating span: hal shut down: %w", ErrFail)
	}
	io, ok := h.interfaces[ioName]
	if !ok {
		return nil, fmt.Errorf("io interface %q not loaded: %w", ioName, ErrFail)
	}
	if h.perIO[ioName] >= MaxSpansInterface {
		return nil, fmt.Errorf("io interface %q has %d spans: %w", ioName, MaxSpansInterface, ErrFail)
	}
	id := h.spanIndex + 1
	if name == "" {
		name = fmt.Sprintf("span%d", id)
	}
	for _, s := range h.spans {
		if s.Name == name {
			return nil, fmt.Errorf("span %q already exists: %w", name, ErrFail)
		}
	}

	s := newSpan(id, name, io, trunk, h.maxChans, h.logger.With("subsystem", "span"))
	h.spanIndex = id
	h.perIO[ioName]++
	h.spans = append(h.spans, s)
	s.logger.Info("span created", "trunk_type", trunk.String())
	return s, nil
}

// DestroySpan stops span id, closes and destroys its channels and removes
// it from the HAL. Its id is not reused.
func (h *HAL) DestroySpan(id int) error {
	h.mu.Lock()
	var s *Span
	for i, cand := range h.spans {
		if cand.ID == id {
			s = cand
			h.spans = append(h.spans[:i:i], h.spans[i+1:]...)
			h.perIO[cand.io.Name()]--
			break
		}
	}
	h.mu.Unlock()
	if s == nil {
		return fmt.Errorf("span %d not found: %w", id, ErrFail)
	}

	if err := s.Stop(); err != nil {
		return fmt.Errorf("stopping span %s: %w", s.Name, err)
	}
	if err := s.destroy(); err != nil {
		return fmt.Errorf("destroying span %s: %w", s.Name, err)
	}
	s.logger.Info("span destroyed")
	return nil
}

// Span finds a span by id.
func (h *HAL) Span(id int) (*Span, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.spans {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// SpanByName finds a span by name.
func (h *HAL) SpanByName(name string) (*Span, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.spans {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Spans returns every span in creation order.
func (h *HAL) Spans() []*Span {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Span, len(h.spans))
	copy(out, h.spans)
	return out
}

// StartAll starts the event loop of every configured span.
func (h *HAL) StartAll(ctx context.Context, pollTimeout time.Duration) error {
	var g errgroup.Group
	for _, s := range h.Spans() {
		s := s
		g.Go(func() error {
			return s.Start(ctx, pollTimeout)
		})
	}
	return g.Wait()
}

// Shutdown stops every span concurrently, then closes and destroys their
// channels and unloads the drivers. The HAL cannot be used afterwards.
func (h *HAL) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("hal already shut down: %w", ErrFail)
	}
	h.closed = true
	spans := h.spans
	h.spans = nil
	ifaces := h.interfaces
	h.interfaces = make(map[string]IOInterface)
	h.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range spans {
		s := s
		g.Go(func() error {
			if err := s.Stop(); err != nil {
				return fmt.Errorf("stopping span %s: %w", s.Name, err)
			}
			if err := s.destroy(); err != nil {
				return fmt.Errorf("destroying span %s: %w", s.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for name, io := range ifaces {
		if uerr := io.Unload(); uerr != nil {
			errs = append(errs, fmt.Errorf("unloading %s: %w", name, uerr))
		}
	}
	h.logger.Info("zap core shut down", "spans", len(spans), "interfaces", len(ifaces))
	return errors.Join(errs...)
}
