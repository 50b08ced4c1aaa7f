// Package subscription tracks requested channels on top of a stream.Manager
// and replays them after every reconnect.
package subscription

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/rickgao/cryptostream/internal/stream"
)

// Status of a tracked channel. Untracked channels have no status.
type Status int

const (
	StatusPending Status = iota + 1 // subscribe sent, no ack yet
	StatusActive                    // acknowledged by the server
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	default:
		return "none"
	}
}

// Stream is the part of *stream.Manager the Registry drives.
type Stream interface {
	Send(payload any) bool
	State() stream.State
	AddObserver(o stream.Observer) (remove func())
}

// Registry tracks desired vs acknowledged channel subscriptions.
type Registry struct {
	stream   Stream
	channels []string // Replayed after every Connected, never modified
	logger   *slog.Logger

	onSubscribed func(channel string)
	onError      func(channel string, err error)

	mu      sync.Mutex
	entries map[string]Status

	detach func()
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithOnSubscribed sets the callback for a Pending→Active transition.
func WithOnSubscribed(fn func(channel string)) Option {
	return func(r *Registry) {
		r.onSubscribed = fn
	}
}

// WithOnSubscriptionError sets the callback for a server rejection. err is
// a *stream.Error of kind stream.ErrSubscription.
func WithOnSubscriptionError(fn func(channel string, err error)) Option {
	return func(r *Registry) {
		r.onError = fn
	}
}

// New creates a Registry for channels and attaches it to s. Duplicate and
// empty channel names are dropped.
func New(s Stream, channels []string, opts ...Option) *Registry {
	r := &Registry{
		stream:   s,
		channels: dedupe(channels),
		logger:   slog.Default(),
		entries:  make(map[string]Status),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.detach = s.AddObserver(stream.ObserverFuncs{
		StateChange: r.handleStateChange,
		Message:     r.handleMessage,
	})
	return r
}

// Close detaches the Registry from its stream.
func (r *Registry) Close() {
	if r.detach != nil {
		r.detach()
	}
}

// Subscribe requests channel. It returns true if the channel is already
// Active or a subscribe frame was sent, false if a request is already in
// flight, the stream is not connected, or the send failed. The ack is
// reported later through the callbacks.
func (r *Registry) Subscribe(channel string) bool {
	r.mu.Lock()
	switch r.entries[channel] {
	case StatusActive:
		r.mu.Unlock()
		return true
	case StatusPending:
		r.mu.Unlock()
		return false
	}
	if r.stream.State() != stream.StateConnected {
		r.mu.Unlock()
		return false
	}
	r.entries[channel] = StatusPending
	r.mu.Unlock()

	if r.stream.Send(stream.ControlFrame{Type: stream.TypeSubscribe, Channel: channel}) {
		r.logger.Debug("subscribe sent", "channel", channel)
		return true
	}

	r.mu.Lock()
	if r.entries[channel] == StatusPending {
		delete(r.entries, channel)
	}
	r.mu.Unlock()
	return false
}

// Unsubscribe cancels channel. Channels that are not Active are already
// satisfied. An Active channel is only dropped once the unsubscribe frame
// was written, so a failed call can be retried.
func (r *Registry) Unsubscribe(channel string) bool {
	r.mu.Lock()
	status := r.entries[channel]
	r.mu.Unlock()

	if status != StatusActive {
		return true
	}
	if !r.stream.Send(stream.ControlFrame{Type: stream.TypeUnsubscribe, Channel: channel}) {
		return false
	}

	r.mu.Lock()
	if r.entries[channel] == StatusActive {
		delete(r.entries, channel)
	}
	r.mu.Unlock()

	r.logger.Debug("unsubscribe sent", "channel", channel)
	return true
}

// Status returns the status of channel and whether it is tracked.
func (r *Registry) Status(channel string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[channel]
	return s, ok
}

// Active returns the acknowledged channels: those from the configured list in
// their configured order, then any others sorted by name.
func (r *Registry) Active() []string {
	return r.withStatus(StatusActive)
}

// Pending returns channels awaiting an ack.
func (r *Registry) Pending() []string {
	return r.withStatus(StatusPending)
}

// Channels returns the channel list replayed on every reconnect.
func (r *Registry) Channels() []string {
	out := make([]string, len(r.channels))
	copy(out, r.channels)
	return out
}

func (r *Registry) handleStateChange(from, to stream.State) {
	switch to {
	case stream.StateConnected:
		// Server-side subscriptions do not survive a transport replacement
		r.mu.Lock()
		clear(r.entries)
		r.mu.Unlock()

		r.logger.Info("replaying subscriptions", "channels", len(r.channels))
		for _, ch := range r.channels {
			if !r.Subscribe(ch) {
				r.logger.Warn("replay subscribe failed", "channel", ch)
			}
		}

	case stream.StateClosed:
		r.mu.Lock()
		clear(r.entries)
		r.mu.Unlock()
	}
}

func (r *Registry) handleMessage(msg stream.Message) {
	if msg.Binary {
		return
	}

	switch msg.Type {
	case stream.TypeSubscriptionSuccess:
		if !r.transition(msg.Channel, StatusActive) {
			return
		}
		r.logger.Info("subscribed", "channel", msg.Channel)
		if r.onSubscribed != nil {
			r.onSubscribed(msg.Channel)
		}

	case stream.TypeSubscriptionError:
		if !r.transition(msg.Channel, 0) {
			return
		}
		detail := msg.ErrorDetail
		if detail == "" {
			detail = "rejected by server"
		}
		err := &stream.Error{
			Kind:    stream.ErrSubscription,
			Channel: msg.Channel,
			Err:     errors.New(detail),
		}
		r.logger.Warn("subscription rejected", "channel", msg.Channel, "error", detail)
		if r.onError != nil {
			r.onError(msg.Channel, err)
		}
	}
}

// transition moves a Pending channel to Active, or removes it when to is
// zero. Acks for channels that are not Pending are stale and ignored.
func (r *Registry) transition(channel string, to Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[channel] != StatusPending {
		return false
	}
	if to == 0 {
		delete(r.entries, channel)
	} else {
		r.entries[channel] = to
	}
	return true
}

func (r *Registry) withStatus(status Status) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	seen := make(map[string]bool, len(r.channels))
	for _, ch := range r.channels {
		seen[ch] = true
		if r.entries[ch] == status {
			out = append(out, ch)
		}
	}

	var extra []string
	for ch, s := range r.entries {
		if !seen[ch] && s == status {
			extra = append(extra, ch)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

func dedupe(channels []string) []string {
	out := make([]string, 0, len(channels))
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}
