package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"repbot/internal/apperr"
	"repbot/internal/docstore"
)

const (
	UsersCollection   = "users"
	EntriesCollection = "ledger_entries"
)

var (
	ErrInvalidAmount       = fmt.Errorf("%w: amount must be at least 1", apperr.ErrValidation)
	ErrSelfTransfer        = fmt.Errorf("%w: cannot send to yourself", apperr.ErrValidation)
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", apperr.ErrValidation)
)

type Account struct {
	Realm     string `json:"realm"`
	Principal string `json:"principal"`
}

func (a Account) Key() string {
	return a.Realm + "." + a.Principal
}

func (a Account) Valid() bool {
	return strings.TrimSpace(a.Realm) != "" && strings.TrimSpace(a.Principal) != ""
}

// Member is an account as seen by the front end, carrying what the base
// credit is computed from.
type Member struct {
	Account
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

type Delta struct {
	Account Account
	Amount  int64
}

// BaseCredit supplies the part of a balance the ledger does not store.
type BaseCredit interface {
	Base(m Member, now time.Time) int64
}

// TenureCredit grants one unit per whole day of membership.
type TenureCredit struct{}

func (TenureCredit) Base(m Member, now time.Time) int64 {
	if m.JoinedAt.IsZero() || now.Before(m.JoinedAt) {
		return 0
	}
	return int64(now.Sub(m.JoinedAt) / (24 * time.Hour))
}

type Profile struct {
	Realm          string     `json:"realm"`
	Principal      string     `json:"principal"`
	Offset         int64      `json:"offset"`
	LastGuessAt    *time.Time `json:"last_guess_at,omitempty"`
	LastSardinesAt *time.Time `json:"last_sardines_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Entry struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	Realm     string    `json:"realm"`
	Principal string    `json:"principal"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type Mark int

const (
	MarkGuess Mark = iota + 1
	MarkSardines
)

type Ledger struct {
	store docstore.Store
	base  BaseCredit
	log   *slog.Logger
	now   func() time.Time
}

func New(store docstore.Store, base BaseCredit, logger *slog.Logger) *Ledger {
	if base == nil {
		base = TenureCredit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, base: base, log: logger, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Now() time.Time {
	return l.now().UTC()
}

func (l *Ledger) Store() docstore.Store {
	return l.store
}

// Profile returns the stored profile, or a zero-offset one when the account
// has never been written.
func (l *Ledger) Profile(ctx context.Context, a Account) (Profile, error) {
	p, err := docstore.GetJSON[Profile](ctx, l.store, UsersCollection, a.Key())
	if errors.Is(err, docstore.ErrNotFound) {
		return Profile{Realm: a.Realm, Principal: a.Principal}, nil
	}
	if err != nil {
		return Profile{}, docstore.Persistence("read profile", err)
	}
	return p, nil
}

func (l *Ledger) GetBalance(ctx context.Context, m Member) (int64, error) {
	p, err := l.Profile(ctx, m.Account)
	if err != nil {
		return 0, err
	}
	return l.base.Base(m, l.Now()) + p.Offset, nil
}

func (l *Ledger) Increment(ctx context.Context, a Account, delta int64, reason string) error {
	return l.IncrementMany(ctx, []Delta{{Account: a, Amount: delta}}, reason)
}

// IncrementMany applies every delta in one transaction. Repeated accounts are
// summed first.
func (l *Ledger) IncrementMany(ctx context.Context, deltas []Delta, reason string) error {
	if len(deltas) == 0 {
		return nil
	}
	err := docstore.TransactRetry(ctx, l.store, func(tx docstore.Tx) error {
		return l.ApplyTx(tx, deltas, reason)
	})
	if err != nil {
		return docstore.Persistence("increment", err)
	}
	return nil
}

// ApplyTx writes deltas inside a caller-owned transaction, so game state and
// balances can commit together.
func (l *Ledger) ApplyTx(tx docstore.Tx, deltas []Delta, reason string) error {
	merged := Merge(deltas)
	if len(merged) == 0 {
		return nil
	}
	now := l.Now()
	groupID := uuid.NewString()
	for _, d := range merged {
		p, err := readProfileTx(tx, d.Account)
		if err != nil {
			return err
		}
		p.Offset += d.Amount
		p.UpdatedAt = now
		if err := docstore.TxPutJSON(tx, UsersCollection, d.Account.Key(), p); err != nil {
			return err
		}
		entry := Entry{
			ID:        uuid.NewString(),
			GroupID:   groupID,
			Realm:     d.Account.Realm,
			Principal: d.Account.Principal,
			Amount:    d.Amount,
			Reason:    reason,
			CreatedAt: now,
		}
		if err := docstore.TxPutJSON(tx, EntriesCollection, entry.ID, entry); err != nil {
			return err
		}
	}
	return nil
}

// BalanceTx reads a balance inside a transaction.
func (l *Ledger) BalanceTx(tx docstore.Tx, m Member) (int64, error) {
	p, err := readProfileTx(tx, m.Account)
	if err != nil {
		return 0, err
	}
	return l.base.Base(m, l.Now()) + p.Offset, nil
}

func (l *Ledger) RequireBalanceTx(tx docstore.Tx, m Member, amount int64) error {
	balance, err := l.BalanceTx(tx, m)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, amount)
	}
	return nil
}

func (l *Ledger) Transfer(ctx context.Context, from Member, to Account, amount int64) error {
	if from.Account == to {
		return ErrSelfTransfer
	}
	if amount < 1 {
		return ErrInvalidAmount
	}
	if !to.Valid() {
		return fmt.Errorf("%w: recipient is required", apperr.ErrValidation)
	}
	err := docstore.TransactRetry(ctx, l.store, func(tx docstore.Tx) error {
		if err := l.RequireBalanceTx(tx, from, amount); err != nil {
			return err
		}
		return l.ApplyTx(tx, []Delta{
			{Account: from.Account, Amount: -amount},
			{Account: to, Amount: amount},
		}, "transfer")
	})
	if err != nil {
		return docstore.Persistence("transfer", err)
	}
	l.log.Info("transfer applied", "from", from.Key(), "to", to.Key(), "amount", amount)
	return nil
}

func (l *Ledger) TouchTx(tx docstore.Tx, a Account, mark Mark, at time.Time) error {
	p, err := readProfileTx(tx, a)
	if err != nil {
		return err
	}
	at = at.UTC()
	switch mark {
	case MarkGuess:
		p.LastGuessAt = &at
	case MarkSardines:
		p.LastSardinesAt = &at
	default:
		return fmt.Errorf("unknown profile mark %d", mark)
	}
	p.UpdatedAt = l.Now()
	return docstore.TxPutJSON(tx, UsersCollection, a.Key(), p)
}

func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	entries, err := docstore.ListJSON[Entry](ctx, l.store, EntriesCollection)
	if err != nil {
		return nil, docstore.Persistence("list entries", err)
	}
	slices.SortStableFunc(entries, func(a, b Entry) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return entries, nil
}

// Merge sums deltas per account, drops accounts whose net change is zero and
// orders the result by account key.
func Merge(deltas []Delta) []Delta {
	sums := make(map[Account]int64, len(deltas))
	for _, d := range deltas {
		sums[d.Account] += d.Amount
	}
	out := make([]Delta, 0, len(sums))
	for a, amt := range sums {
		if amt == 0 {
			continue
		}
		out = append(out, Delta{Account: a, Amount: amt})
	}
	slices.SortFunc(out, func(x, y Delta) int { return strings.Compare(x.Account.Key(), y.Account.Key()) })
	return out
}

func readProfileTx(tx docstore.Tx, a Account) (Profile, error) {
	p, err := docstore.TxGetJSON[Profile](tx, UsersCollection, a.Key())
	if errors.Is(err, docstore.ErrNotFound) {
		return Profile{Realm: a.Realm, Principal: a.Principal}, nil
	}
	return p, err
}
