package ledger

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memberKey struct {
	userID int64
	tier   string
	cycle  int64
}

type settlementKey struct {
	tier  string
	cycle int64
}

// MemoryStore is an in-process Store used by tests and by runs without a database.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[int64]User
	pools        map[string]Pool
	invoices     map[string]Invoice
	participants map[memberKey]Participant
	admitted     map[string]struct{}
	settlements  map[settlementKey]Settlement
	transfers    map[string]Transfer
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]User),
		pools:        make(map[string]Pool),
		invoices:     make(map[string]Invoice),
		participants: make(map[memberKey]Participant),
		admitted:     make(map[string]struct{}),
		settlements:  make(map[settlementKey]Settlement),
		transfers:    make(map[string]Transfer),
	}
}

func (s *MemoryStore) EnsureUser(ctx context.Context, userID int64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = User{ID: userID, CreatedAt: now.UTC()}
	}
	return nil
}

func (s *MemoryStore) SetWalletAddress(ctx context.Context, userID int64, address string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	address = strings.TrimSpace(address)
	if userID == 0 || address == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		u = User{ID: userID, CreatedAt: now.UTC()}
	}
	u.WalletAddress = address
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) GetWalletAddress(ctx context.Context, userID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return "", ErrNotFound
	}
	if u.WalletAddress == "" {
		return "", ErrNoWallet
	}
	return u.WalletAddress, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) EnsurePool(ctx context.Context, tier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(tier) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[tier]; !ok {
		s.pools[tier] = Pool{Tier: tier, Amount: decimal.Zero, Cycle: 1}
	}
	return nil
}

func (s *MemoryStore) GetPool(ctx context.Context, tier string) (Pool, error) {
	if err := ctx.Err(); err != nil {
		return Pool{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[tier]
	if !ok {
		return Pool{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) GetPoolAmount(ctx context.Context, tier string) (decimal.Decimal, error) {
	p, err := s.GetPool(ctx, tier)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Amount, nil
}

func (s *MemoryStore) OpenPool(ctx context.Context, tier string, start, end time.Time) (Pool, error) {
	if err := ctx.Err(); err != nil {
		return Pool{}, err
	}
	if !end.After(start) {
		return Pool{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[tier]
	if !ok {
		return Pool{}, ErrNotFound
	}
	if p.Open {
		return Pool{}, ErrPoolOpen
	}
	start, end = start.UTC(), end.UTC()
	p.Open = true
	p.CycleStart = &start
	p.CycleEnd = &end
	s.pools[tier] = p
	return p, nil
}

func (s *MemoryStore) ClosePool(ctx context.Context, tier string) (Pool, error) {
	if err := ctx.Err(); err != nil {
		return Pool{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[tier]
	if !ok {
		return Pool{}, ErrNotFound
	}
	p.Open = false
	s.pools[tier] = p
	return p, nil
}

func (s *MemoryStore) ResetPool(ctx context.Context, tier string, nextCycle int64) (Pool, error) {
	if err := ctx.Err(); err != nil {
		return Pool{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[tier]
	if !ok {
		return Pool{}, ErrNotFound
	}
	if nextCycle != p.Cycle+1 {
		return Pool{}, ErrStaleCycle
	}
	p = Pool{Tier: tier, Amount: decimal.Zero, Cycle: nextCycle}
	s.pools[tier] = p
	return p, nil
}

func (s *MemoryStore) CreateInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	if err := ctx.Err(); err != nil {
		return Invoice{}, err
	}
	if err := validateNewInvoice(inv); err != nil {
		return Invoice{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[inv.UserID]; !ok {
		return Invoice{}, ErrNotFound
	}
	if _, ok := s.pools[inv.Tier]; !ok {
		return Invoice{}, ErrNotFound
	}
	if _, ok := s.invoices[inv.ID]; ok {
		return Invoice{}, ErrDuplicateInvoice
	}
	for _, other := range s.invoices {
		if other.Status == InvoicePending && other.UserID == inv.UserID && other.Tier == inv.Tier && other.Cycle == inv.Cycle {
			return Invoice{}, ErrDuplicateInvoice
		}
	}
	inv.Status = InvoicePending
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.ResolvedAt = nil
	s.invoices[inv.ID] = inv
	return inv, nil
}

func (s *MemoryStore) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	if err := ctx.Err(); err != nil {
		return Invoice{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (s *MemoryStore) PendingInvoice(ctx context.Context, userID int64, tier string, cycle int64) (Invoice, error) {
	if err := ctx.Err(); err != nil {
		return Invoice{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.Status == InvoicePending && inv.UserID == userID && inv.Tier == tier && inv.Cycle == cycle {
			return inv, nil
		}
	}
	return Invoice{}, ErrNotFound
}

func (s *MemoryStore) MarkInvoice(ctx context.Context, invoiceID string, status InvoiceStatus, now time.Time) (Invoice, bool, error) {
	if err := ctx.Err(); err != nil {
		return Invoice{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return Invoice{}, false, ErrNotFound
	}
	changed, err := canTransition(inv.Status, status)
	if err != nil || !changed {
		return inv, false, err
	}
	at := now.UTC()
	inv.Status = status
	inv.ResolvedAt = &at
	s.invoices[invoiceID] = inv
	return inv, true, nil
}

func (s *MemoryStore) ListPendingInvoices(ctx context.Context) ([]Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Invoice
	for _, inv := range s.invoices {
		if inv.Status == InvoicePending {
			out = append(out, inv)
		}
	}
	sortInvoices(out)
	return out, nil
}

func (s *MemoryStore) ListUnadmittedPaid(ctx context.Context) ([]Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Invoice
	for _, inv := range s.invoices {
		if inv.Status != InvoicePaid {
			continue
		}
		if p, ok := s.pools[inv.Tier]; !ok || p.Cycle != inv.Cycle {
			continue
		}
		if _, ok := s.admitted[inv.ID]; ok {
			continue
		}
		out = append(out, inv)
	}
	sortInvoices(out)
	return out, nil
}

func (s *MemoryStore) AdmitParticipant(ctx context.Context, in AdmitInput) (Participant, error) {
	if err := ctx.Err(); err != nil {
		return Participant{}, err
	}
	if err := validateAdmit(in); err != nil {
		return Participant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[in.Tier]
	if !ok {
		return Participant{}, ErrNotFound
	}
	if !p.Open || p.Cycle != in.Cycle {
		return Participant{}, ErrPoolClosed
	}
	key := memberKey{userID: in.UserID, tier: in.Tier, cycle: in.Cycle}
	if _, exists := s.participants[key]; exists {
		return Participant{}, ErrAlreadyMember
	}
	if _, exists := s.admitted[in.InvoiceID]; exists {
		return Participant{}, ErrAlreadyMember
	}
	out := Participant{
		UserID:     in.UserID,
		Tier:       in.Tier,
		Cycle:      in.Cycle,
		InvoiceID:  in.InvoiceID,
		AdmittedAt: in.Now.UTC(),
	}
	s.participants[key] = out
	s.admitted[in.InvoiceID] = struct{}{}
	p.Amount = p.Amount.Add(in.Fee)
	s.pools[in.Tier] = p
	return out, nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context, tier string, cycle int64) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Participant
	for k, p := range s.participants {
		if k.tier == tier && k.cycle == cycle {
			out = append(out, p)
		}
	}
	sortParticipants(out)
	return out, nil
}

func (s *MemoryStore) ListMemberships(ctx context.Context, userID int64) ([]Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Participant
	for k, p := range s.participants {
		if k.userID != userID {
			continue
		}
		if pool, ok := s.pools[k.tier]; ok && pool.Cycle == k.cycle {
			out = append(out, p)
		}
	}
	sortParticipants(out)
	return out, nil
}

func (s *MemoryStore) CreateSettlement(ctx context.Context, in Settlement) (Settlement, bool, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, false, err
	}
	if err := validateSettlement(in); err != nil {
		return Settlement{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := settlementKey{tier: in.Tier, cycle: in.Cycle}
	if existing, ok := s.settlements[key]; ok {
		return existing, false, nil
	}
	if in.SpendID != "" {
		for _, other := range s.settlements {
			if other.SpendID == in.SpendID {
				return Settlement{}, false, ErrInvalidInput
			}
		}
	}
	in.CreatedAt = in.CreatedAt.UTC()
	in.UpdatedAt = in.CreatedAt
	s.settlements[key] = in
	return in, true, nil
}

func (s *MemoryStore) GetSettlement(ctx context.Context, tier string, cycle int64) (Settlement, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settlements[settlementKey{tier: tier, cycle: cycle}]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, tier string, cycle int64, status SettlementStatus, lastErr string, now time.Time) (Settlement, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}
	if !retryableStatus(status) {
		return Settlement{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := settlementKey{tier: tier, cycle: cycle}
	st, ok := s.settlements[key]
	if !ok {
		return Settlement{}, ErrNotFound
	}
	if st.Status.Final() {
		return st, ErrInvalidTransition
	}
	st.Status = status
	st.Attempts++
	st.LastError = lastErr
	st.UpdatedAt = now.UTC()
	s.settlements[key] = st
	return st, nil
}

func (s *MemoryStore) CompleteSettlement(ctx context.Context, t Transfer, now time.Time) (Settlement, bool, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, false, err
	}
	if err := validateTransfer(t); err != nil {
		return Settlement{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := settlementKey{tier: t.Tier, cycle: t.Cycle}
	st, ok := s.settlements[key]
	if !ok {
		return Settlement{}, false, ErrNotFound
	}
	if st.SpendID != t.SpendID || st.WinnerID != t.UserID {
		return Settlement{}, false, ErrInvalidInput
	}
	switch st.Status {
	case SettlementPaid:
		if prev, ok := s.transfers[t.SpendID]; ok && prev.GatewayTransferID == "" && t.GatewayTransferID != "" {
			prev.GatewayTransferID = t.GatewayTransferID
			s.transfers[t.SpendID] = prev
		}
		return st, false, nil
	case SettlementNoWinner:
		return Settlement{}, false, ErrInvalidTransition
	}
	if _, dup := s.transfers[t.SpendID]; !dup {
		t.CreatedAt = t.CreatedAt.UTC()
		s.transfers[t.SpendID] = t
	}
	st.Status = SettlementPaid
	st.Attempts++
	st.LastError = ""
	st.UpdatedAt = now.UTC()
	s.settlements[key] = st
	return st, true, nil
}

func (s *MemoryStore) ListSettlements(ctx context.Context, statuses ...SettlementStatus) ([]Settlement, error) {
	return s.filterSettlements(ctx, func(st Settlement) bool { return statusIn(st.Status, statuses) })
}

func (s *MemoryStore) ListSettlementsForWinner(ctx context.Context, userID int64, statuses ...SettlementStatus) ([]Settlement, error) {
	return s.filterSettlements(ctx, func(st Settlement) bool {
		return st.WinnerID == userID && statusIn(st.Status, statuses)
	})
}

func (s *MemoryStore) filterSettlements(ctx context.Context, keep func(Settlement) bool) ([]Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Settlement
	for _, st := range s.settlements {
		if keep(st) {
			out = append(out, st)
		}
	}
	slices.SortFunc(out, func(a, b Settlement) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if c := strings.Compare(a.Tier, b.Tier); c != 0 {
			return c
		}
		return cmp.Compare(a.Cycle, b.Cycle)
	})
	return out, nil
}

// Transfers returns the committed transfers, oldest first.
func (s *MemoryStore) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Transfer) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *MemoryStore) Close() error { return nil }

func sortInvoices(in []Invoice) {
	slices.SortFunc(in, func(a, b Invoice) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func sortParticipants(in []Participant) {
	slices.SortFunc(in, func(a, b Participant) int {
		if c := a.AdmittedAt.Compare(b.AdmittedAt); c != 0 {
			return c
		}
		if c := strings.Compare(a.Tier, b.Tier); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
}

func validateNewInvoice(inv Invoice) error {
	if strings.TrimSpace(inv.ID) == "" || inv.UserID == 0 || strings.TrimSpace(inv.Tier) == "" || inv.Cycle < 1 {
		return ErrInvalidInput
	}
	if !inv.Amount.IsPositive() {
		return ErrInvalidInput
	}
	return nil
}

func validateAdmit(in AdmitInput) error {
	if in.UserID == 0 || strings.TrimSpace(in.Tier) == "" || in.Cycle < 1 || strings.TrimSpace(in.InvoiceID) == "" {
		return ErrInvalidInput
	}
	if !in.Fee.IsPositive() {
		return ErrInvalidInput
	}
	return nil
}

func validateSettlement(in Settlement) error {
	if strings.TrimSpace(in.Tier) == "" || in.Cycle < 1 {
		return ErrInvalidInput
	}
	if in.Status == SettlementNoWinner {
		return nil
	}
	if in.WinnerID == 0 || strings.TrimSpace(in.SpendID) == "" || !in.Prize.IsPositive() {
		return ErrInvalidInput
	}
	if in.Status != SettlementPending {
		return ErrInvalidInput
	}
	return nil
}

func validateTransfer(t Transfer) error {
	if strings.TrimSpace(t.ID) == "" || t.UserID == 0 || strings.TrimSpace(t.SpendID) == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(t.Tier) == "" || t.Cycle < 1 || !t.Amount.IsPositive() {
		return ErrInvalidInput
	}
	return nil
}

func retryableStatus(s SettlementStatus) bool {
	return s == SettlementPending || s == SettlementFailed || s == SettlementAwaitingWallet
}
