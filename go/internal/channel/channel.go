// Package channel sends events to their destinations and classifies the
// outcome for the dispatcher.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcdev12/eventrelay/go/internal/eventcodec"
	"github.com/mcdev12/eventrelay/go/internal/models"
)

var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrDuplicateChannel = errors.New("channel already registered")
)

// Kind classifies a send attempt.
type Kind int

const (
	KindSuccess Kind = iota
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of one Send. HTTPStatus is zero when the channel is
// not HTTP or no response arrived.
type Result struct {
	Kind       Kind
	HTTPStatus int
	Duration   time.Duration
	Code       string
	Err        error
}

func Success(httpStatus int, d time.Duration) Result {
	return Result{Kind: KindSuccess, HTTPStatus: httpStatus, Duration: d}
}

func Transient(code string, err error, httpStatus int, d time.Duration) Result {
	return Result{Kind: KindTransient, Code: code, Err: err, HTTPStatus: httpStatus, Duration: d}
}

func Permanent(code string, err error, httpStatus int, d time.Duration) Result {
	return Result{Kind: KindPermanent, Code: code, Err: err, HTTPStatus: httpStatus, Duration: d}
}

func (r Result) OK() bool { return r.Kind == KindSuccess }

func (r Result) DurationMs() int { return int(r.Duration / time.Millisecond) }

// Error renders the failure for last_error.
func (r Result) Error() string {
	switch {
	case r.Err != nil && r.Code != "":
		return fmt.Sprintf("%s: %v", r.Code, r.Err)
	case r.Err != nil:
		return r.Err.Error()
	default:
		return r.Code
	}
}

// Message is what a channel sends. Event is the decoded form; channels that
// forward raw bytes use Payload and Headers.
type Message struct {
	DeliveryID int64
	EventID    string
	EventType  string
	TenantID   int64
	Payload    string
	Headers    map[string]string
	Event      *eventcodec.Event
}

// Channel delivers a message for a subscription. Implementations must not
// panic on transport failures and must report them as a Result.
type Channel interface {
	Type() models.ChannelType
	Send(ctx context.Context, msg Message, sub *models.Subscription) Result
}

// Registry maps channel types to channels. It is filled at startup.
type Registry struct {
	mu       sync.RWMutex
	channels map[models.ChannelType]Channel
}

func NewRegistry(channels ...Channel) (*Registry, error) {
	r := &Registry{channels: make(map[models.ChannelType]Channel)}
	for _, ch := range channels {
		if err := r.Register(ch); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.Type()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.Type())
	}
	r.channels[ch.Type()] = ch
	return nil
}

func (r *Registry) Get(t models.ChannelType) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[t]
	return ch, ok
}

func (r *Registry) Types() []models.ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ChannelType, 0, len(r.channels))
	for t := range r.channels {
		out = append(out, t)
	}
	return out
}
