package commands

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	kit "workshopbot/internal/transport"
)

// ErrConfirmationPending is returned when a user who already has an open
// confirmation asks for another destructive action.
var ErrConfirmationPending = errors.New("a confirmation is already pending")

// pending is one awaiting yes/no decision. The token must round-trip through
// the inline keyboard so a stale button from an earlier prompt cannot trigger
// a newer action.
type pending struct {
	Token   string
	UserID  int64
	Chat    kit.ChatTarget
	Prompt  kit.MessageRef
	Expires time.Time

	// Run performs the confirmed action and returns the reply text.
	Run func(ctx context.Context) (string, error)
}

// sessionTable holds at most one pending confirmation per user.
type sessionTable struct {
	mu     sync.Mutex
	byUser map[int64]*pending
	ttl    time.Duration
	now    func() time.Time
}

func newSessionTable(ttl time.Duration) *sessionTable {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &sessionTable{
		byUser: map[int64]*pending{},
		ttl:    ttl,
		now:    time.Now,
	}
}

// Begin opens a confirmation for the user. It fails with
// ErrConfirmationPending while an unexpired one exists.
func (t *sessionTable) Begin(userID int64, chat kit.ChatTarget, run func(ctx context.Context) (string, error)) (*pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.byUser[userID]; ok && t.now().Before(p.Expires) {
		return nil, ErrConfirmationPending
	}

	p := &pending{
		Token:   newToken(),
		UserID:  userID,
		Chat:    chat,
		Expires: t.now().Add(t.ttl),
		Run:     run,
	}
	t.byUser[userID] = p
	return p, nil
}

// AttachPrompt records the message carrying the keyboard so it can be edited
// after the decision.
func (t *sessionTable) AttachPrompt(userID int64, token string, ref kit.MessageRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byUser[userID]; ok && p.Token == token {
		p.Prompt = ref
	}
}

// Take removes and returns the user's pending confirmation if the token
// matches and it has not expired. Expired entries are dropped either way.
func (t *sessionTable) Take(userID int64, token string) (*pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byUser[userID]
	if !ok {
		return nil, false
	}
	if !t.now().Before(p.Expires) {
		delete(t.byUser, userID)
		return nil, false
	}
	if p.Token != token {
		return nil, false
	}
	delete(t.byUser, userID)
	return p, true
}

func newToken() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("150405.000000")))
	}
	return hex.EncodeToString(b[:])
}
