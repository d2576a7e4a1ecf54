// Package stream accounts for the output of a streaming generation while it
// is produced, so a dropped connection still leaves the user billed for what
// was sent.
//
// State machine:
//
//	Idle -> Accounting -> (Flushing -> Accounting)* -> Reconciling -> Done
//	any non-terminal state -> Aborted
package stream

import (
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/vnmchuo/usage-meter/internal/tokens"
)

type State int

const (
	StateIdle State = iota
	StateAccounting
	StateFlushing
	StateReconciling
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccounting:
		return "accounting"
	case StateFlushing:
		return "flushing"
	case StateReconciling:
		return "reconciling"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// DefaultFlushChars is the number of output characters between partial
// commits.
const DefaultFlushChars = 400

var (
	ErrNotStarted = errors.New("stream accounting not started")
	ErrStarted    = errors.New("stream accounting already started")
	ErrFinished   = errors.New("stream accounting finished")
)

// Commit is one additive usage delta produced by the accountant. Output may
// be negative on reconciliation, input on CorrectInput.
type Commit struct {
	InputTokens  int64
	OutputTokens int64
	// First marks the commit that opens the request.
	First bool
	// Final marks the reconciliation commit.
	Final bool
}

// Committer receives commits. It must not block.
type Committer func(Commit)

// Summary is what the accountant committed over the whole stream.
type Summary struct {
	State        State
	InputTokens  int64
	OutputTokens int64
	Chars        int64
}

type Accountant struct {
	model     string
	threshold int64
	counter   *tokens.Counter
	commit    Committer

	mu              sync.Mutex
	state           State
	text            strings.Builder
	chars           int64
	charsSinceFlush int64
	committedIn     int64
	committedOut    int64
}

type Option func(*Accountant)

// WithFlushChars sets the partial commit threshold. Non-positive values
// are ignored.
func WithFlushChars(n int64) Option {
	return func(a *Accountant) {
		if n > 0 {
			a.threshold = n
		}
	}
}

// WithCounter sets the tokenizer used for estimates and reconciliation.
func WithCounter(c *tokens.Counter) Option {
	return func(a *Accountant) { a.counter = c }
}

func New(model string, commit Committer, opts ...Option) *Accountant {
	a := &Accountant{
		model:     model,
		threshold: DefaultFlushChars,
		commit:    commit,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.commit == nil {
		a.commit = func(Commit) {}
	}
	return a
}

func (a *Accountant) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start commits the prompt tokens and begins accounting output.
func (a *Accountant) Start(promptTokens int64) error {
	a.mu.Lock()
	switch a.state {
	case StateIdle:
	case StateDone, StateAborted:
		a.mu.Unlock()
		return ErrFinished
	default:
		a.mu.Unlock()
		return ErrStarted
	}
	if promptTokens < 0 {
		promptTokens = 0
	}
	a.state = StateAccounting
	a.committedIn = promptTokens
	a.mu.Unlock()

	a.commit(Commit{InputTokens: promptTokens, First: true})
	return nil
}

// Write records streamed output text. Once the characters since the last
// flush reach the threshold, the difference between the ceil(chars/4)
// estimate and what was already committed is committed.
func (a *Accountant) Write(text string) error {
	a.mu.Lock()
	switch a.state {
	case StateAccounting:
	case StateIdle:
		a.mu.Unlock()
		return ErrNotStarted
	default:
		a.mu.Unlock()
		return ErrFinished
	}

	n := int64(utf8.RuneCountInString(text))
	a.text.WriteString(text)
	a.chars += n
	a.charsSinceFlush += n
	if a.charsSinceFlush < a.threshold {
		a.mu.Unlock()
		return nil
	}

	// Partial estimates come from the running character count so a long
	// stream is not re-tokenized on every flush; the tokenizer runs once, at
	// reconciliation.
	a.state = StateFlushing
	estimate := tokens.EstimateChars(a.chars)
	delta := estimate - a.committedOut
	if delta < 0 {
		// Partial commits only move forward; corrections wait for
		// reconciliation.
		delta = 0
	}
	a.committedOut += delta
	a.charsSinceFlush = 0
	a.state = StateAccounting
	a.mu.Unlock()

	if delta > 0 {
		a.commit(Commit{OutputTokens: delta})
	}
	return nil
}

// CorrectInput replaces the prompt estimate committed by Start with the
// upstream's count, committing the difference. It does nothing outside
// Accounting or for a non-positive count.
func (a *Accountant) CorrectInput(promptTokens int64) {
	a.mu.Lock()
	if a.state != StateAccounting || promptTokens <= 0 {
		a.mu.Unlock()
		return
	}
	delta := promptTokens - a.committedIn
	a.committedIn = promptTokens
	a.mu.Unlock()

	if delta != 0 {
		a.commit(Commit{InputTokens: delta})
	}
}

// Finish reconciles against the provider-reported output token count when
// known, or a full count of the streamed text otherwise. Calling Finish or
// Abort again is a no-op.
func (a *Accountant) Finish(reportedOutput *int64) Summary {
	return a.reconcile(reportedOutput, StateDone)
}

// Abort stops accounting and commits whatever was streamed so far.
func (a *Accountant) Abort() Summary {
	return a.reconcile(nil, StateAborted)
}

func (a *Accountant) reconcile(reportedOutput *int64, terminal State) Summary {
	a.mu.Lock()
	switch a.state {
	case StateDone, StateAborted:
		s := a.summaryLocked()
		a.mu.Unlock()
		return s
	case StateIdle:
		a.state = terminal
		s := a.summaryLocked()
		a.mu.Unlock()
		return s
	}

	a.state = StateReconciling
	var final int64
	if reportedOutput != nil && *reportedOutput >= 0 {
		final = *reportedOutput
	} else {
		final = a.counter.Count(a.model, a.text.String())
	}
	delta := final - a.committedOut
	a.committedOut = final
	a.state = terminal
	s := a.summaryLocked()
	a.mu.Unlock()

	if delta != 0 {
		a.commit(Commit{OutputTokens: delta, Final: true})
	}
	return s
}

func (a *Accountant) summaryLocked() Summary {
	return Summary{
		State:        a.state,
		InputTokens:  a.committedIn,
		OutputTokens: a.committedOut,
		Chars:        a.chars,
	}
}
