package wa

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// PollOption is one option of a poll with its current voters.
type PollOption struct {
	Name   string
	Hash   []byte
	Voters []string
}

// PollState correlates a poll creation message with the vote updates it has
// received. Each voter's latest vote replaces their previous one.
type PollState struct {
	options []PollOption
	votes   map[string][][]byte
	order   []string
}

// NewPollState builds the state for a poll creation message. It returns nil
// when msg carries no poll.
func NewPollState(msg *waE2E.Message) *PollState {
	creation := PollCreation(msg)
	if creation == nil {
		return nil
	}
	ps := &PollState{votes: make(map[string][][]byte)}
	for _, opt := range creation.GetOptions() {
		name := opt.GetOptionName()
		ps.options = append(ps.options, PollOption{Name: name, Hash: PollOptionHash(name)})
	}
	return ps
}

// PollCreation returns whichever poll creation variant msg carries.
func PollCreation(msg *waE2E.Message) *waE2E.PollCreationMessage {
	switch {
	case msg == nil:
		return nil
	case msg.GetPollCreationMessage() != nil:
		return msg.GetPollCreationMessage()
	case msg.GetPollCreationMessageV2() != nil:
		return msg.GetPollCreationMessageV2()
	case msg.GetPollCreationMessageV3() != nil:
		return msg.GetPollCreationMessageV3()
	default:
		return nil
	}
}

// PollOptionHash is the SHA-256 digest votes use to reference an option.
func PollOptionHash(name string) []byte {
	sum := sha256.Sum256([]byte(name))
	return sum[:]
}

// Apply records a vote, replacing any earlier vote from the same voter.
func (ps *PollState) Apply(v PollVote) {
	if _, seen := ps.votes[v.Voter]; !seen {
		ps.order = append(ps.order, v.Voter)
	}
	ps.votes[v.Voter] = v.SelectedOptions
}

// Tally returns the options in declaration order with their voters.
func (ps *PollState) Tally() []PollOption {
	out := make([]PollOption, len(ps.options))
	copy(out, ps.options)
	for i := range out {
		out[i].Voters = nil
		for _, voter := range ps.order {
			for _, sel := range ps.votes[voter] {
				if bytes.Equal(sel, out[i].Hash) {
					out[i].Voters = append(out[i].Voters, voter)
					break
				}
			}
		}
	}
	return out
}

// Leader returns the option with the most voters. Ties go to the option
// declared first. ok is false when nobody has voted for anything.
func (ps *PollState) Leader() (name string, ok bool) {
	best := -1
	bestCount := 0
	for i, opt := range ps.Tally() {
		if len(opt.Voters) > bestCount {
			best = i
			bestCount = len(opt.Voters)
		}
	}
	if best < 0 {
		return "", false
	}
	return ps.options[best].Name, true
}

// PollCorrelator turns poll vote updates into poll messages. Votes are
// accumulated per poll so each update is tallied against every vote seen
// so far.
type PollCorrelator struct {
	Store MessageStore
	// MaxPolls caps how many polls keep vote state; the oldest tracked poll
	// is evicted first. Zero means DefaultMaxTrackedPolls.
	MaxPolls int

	mu    sync.Mutex
	polls map[string]*PollState
	order []string
}

const DefaultMaxTrackedPolls = 1000

func NewPollCorrelator(store MessageStore) *PollCorrelator {
	return &PollCorrelator{Store: store, polls: make(map[string]*PollState)}
}

// Handle aggregates the votes carried by update against the stored poll
// creation message. ok is false when the update carries no votes or the
// poll is unknown.
func (pc *PollCorrelator) Handle(ctx context.Context, update MessageUpdate) (Message, bool, error) {
	if len(update.PollUpdates) == 0 || pc.Store == nil {
		return Message{}, false, nil
	}
	creation, err := pc.Store.GetMessage(ctx, update.Key)
	if err != nil {
		return Message{}, false, fmt.Errorf("failed to look up poll %s: %w", update.Key.ID, err)
	}
	id := update.Key.RemoteJID + "/" + update.Key.ID
	if isEmptyMessage(creation) {
		// pruned from the store or never seen
		pc.forget(id)
		return Message{}, false, nil
	}

	pc.mu.Lock()
	if pc.polls == nil {
		pc.polls = make(map[string]*PollState)
	}
	state := pc.polls[id]
	if state == nil {
		state = NewPollState(creation)
		if state == nil {
			pc.mu.Unlock()
			return Message{}, false, nil
		}
		pc.polls[id] = state
		pc.order = append(pc.order, id)
		pc.evictLocked()
	}
	for _, vote := range update.PollUpdates {
		state.Apply(vote)
	}
	body, _ := state.Leader()
	pc.mu.Unlock()

	return Message{
		ID:     update.Key.ID,
		From:   CanonicalAddress(update.Key.RemoteJID),
		Type:   TypePoll,
		Body:   body,
		FromMe: update.Key.FromMe,
		Raw:    update,
		Voters: creation,
	}, true, nil
}

// Tracked is the number of polls holding vote state.
func (pc *PollCorrelator) Tracked() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.polls)
}

func (pc *PollCorrelator) forget(id string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, ok := pc.polls[id]; !ok {
		return
	}
	delete(pc.polls, id)
	for i, o := range pc.order {
		if o == id {
			pc.order = append(pc.order[:i], pc.order[i+1:]...)
			break
		}
	}
}

func (pc *PollCorrelator) evictLocked() {
	limit := pc.MaxPolls
	if limit <= 0 {
		limit = DefaultMaxTrackedPolls
	}
	for len(pc.order) > limit {
		delete(pc.polls, pc.order[0])
		pc.order = pc.order[1:]
	}
}

// isEmptyMessage treats nil and zero-valued placeholders as not found.
func isEmptyMessage(msg *waE2E.Message) bool {
	return msg == nil || proto.Size(msg) == 0
}
