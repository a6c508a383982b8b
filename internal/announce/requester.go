package announce

import (
	"context"
	"fmt"
	"time"

	"github.com/drewfead/raysession/internal/logging"
)

// DefaultTimeout bounds the wait for an announce reply.
const DefaultTimeout = 2 * time.Second

// Caller is the controller's side of the control channel.
type Caller interface {
	Announce(ctx context.Context, hello Hello) (*Advertisement, error)
	Disannounce(ctx context.Context) error
	SetNsmLocked(ctx context.Context) error
}

// Result of one announce attempt.
type Result struct {
	Status          Status
	Advertisement   *Advertisement
	ContactedBefore bool
	NsmLocked       bool
	Err             error
}

// OK reports whether the daemon was accepted.
func (r Result) OK() bool {
	return r.Status == Ok
}

// ShouldRelaunch reports whether the caller should start its own daemon:
// nothing answered and no daemon was known to exist.
func (r Result) ShouldRelaunch() bool {
	return r.Status == NoResponse && !r.ContactedBefore
}

// Message describes the result for a user.
func (r Result) Message() string {
	ad := r.Advertisement
	switch r.Status {
	case Ok:
		return fmt.Sprintf("connected to daemon %s (root %s)", ad.Version, ad.SessionRoot)
	case VersionMismatch:
		return fmt.Sprintf("daemon version %s is incompatible with this controller", ad.Version)
	case WrongSessionRoot:
		return fmt.Sprintf("daemon serves session root %s, not the requested one", ad.SessionRoot)
	case RootNotFree:
		return fmt.Sprintf("session root %s is already used by another network daemon", ad.SessionRoot)
	case ServerNotOff:
		return fmt.Sprintf("daemon already has an open session (%s)", ad.ServerStatus)
	case NoResponse:
		if r.ContactedBefore {
			return "daemon did not answer the announce"
		}
		return "no daemon answered; a new one can be started"
	default:
		return r.Status.String()
	}
}

// Requester performs the controller side of the handshake.
type Requester struct {
	caller    Caller
	exp       Expectation
	hello     Hello
	timeout   time.Duration
	contacted bool
}

// NewRequester creates a requester. A zero timeout means DefaultTimeout.
func NewRequester(caller Caller, hello Hello, exp Expectation, timeout time.Duration) *Requester {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if exp.Version == "" {
		exp.Version = hello.Version
	}
	return &Requester{caller: caller, exp: exp, hello: hello, timeout: timeout}
}

// MarkContacted records that the daemon is known to exist, for example
// because its address was given explicitly.
func (r *Requester) MarkContacted() {
	r.contacted = true
}

// Announce sends the announce and evaluates the reply. Incompatible
// daemons are disannounced before returning.
func (r *Requester) Announce(ctx context.Context) Result {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	ad, err := r.caller.Announce(callCtx, r.hello)
	cancel()
	if err != nil || ad == nil {
		logging.Debug("announce got no reply", "error", err)
		return Result{Status: NoResponse, ContactedBefore: r.contacted, Err: err}
	}
	r.contacted = true

	res := Result{Status: Evaluate(*ad, r.exp), Advertisement: ad, ContactedBefore: true}
	if res.Status != Ok {
		logging.Warn("daemon rejected", "status", res.Status.String(), "version", ad.Version, "root", ad.SessionRoot)
		if err := r.caller.Disannounce(ctx); err != nil {
			logging.Warn("disannounce failed", "error", err)
		}
		return res
	}

	res.NsmLocked = ad.Options.Has(NsmLocked)
	if !res.NsmLocked && r.exp.UnderNSM {
		if err := r.caller.SetNsmLocked(ctx); err != nil {
			res.Err = fmt.Errorf("set nsm lock: %w", err)
		} else {
			res.NsmLocked = true
		}
	}
	return res
}
