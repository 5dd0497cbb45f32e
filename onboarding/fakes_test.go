package onboarding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"agentonboard/agent"
	"agentonboard/auth"
	"agentonboard/contract"
	"agentonboard/db"
	"agentonboard/mail"
	"agentonboard/token"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// world is the in-memory database behind the fakes. An open transaction holds
// mu until it commits or rolls back, which stands in for row locks.
type world struct {
	mu        sync.Mutex
	agents    map[string]agent.Agent
	contracts map[string]contract.Record
	tokens    map[string]token.Token
	timeline  []string
	outbox    []string
	seq       int
}

func newWorld() *world {
	return &world{
		agents:    make(map[string]agent.Agent),
		contracts: make(map[string]contract.Record),
		tokens:    make(map[string]token.Token),
	}
}

type snapshot struct {
	agents    map[string]agent.Agent
	contracts map[string]contract.Record
	tokens    map[string]token.Token
	timeline  []string
	outbox    []string
}

func (w *world) snapshot() snapshot {
	s := snapshot{
		agents:    make(map[string]agent.Agent, len(w.agents)),
		contracts: make(map[string]contract.Record, len(w.contracts)),
		tokens:    make(map[string]token.Token, len(w.tokens)),
		timeline:  append([]string(nil), w.timeline...),
		outbox:    append([]string(nil), w.outbox...),
	}
	for k, v := range w.agents {
		s.agents[k] = v
	}
	for k, v := range w.contracts {
		s.contracts[k] = v
	}
	for k, v := range w.tokens {
		s.tokens[k] = v
	}
	return s
}

func (w *world) restore(s snapshot) {
	w.agents, w.contracts, w.tokens, w.timeline, w.outbox = s.agents, s.contracts, s.tokens, s.timeline, s.outbox
}

// with runs fn under the world lock unless q is an open transaction, which
// already holds it.
func (w *world) with(q db.DBTX, fn func()) {
	if _, ok := q.(*fakeTx); ok {
		fn()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	fn()
}

func (w *world) nextID(prefix string) string {
	w.seq++
	return fmt.Sprintf("%s-%d", prefix, w.seq)
}

func (w *world) seedAgent(status agent.Status) agent.Agent {
	w.mu.Lock()
	defer w.mu.Unlock()
	a := agent.Agent{
		ID:                w.nextID("agent"),
		SubjectID:         "idp|ada",
		Email:             "ada@example.com",
		CommissionPercent: decimal.NewFromInt(10),
		Status:            status,
	}
	w.agents[a.ID] = a
	return a
}

func (w *world) agentBySubject(subject string) (agent.Agent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, a := range w.agents {
		if a.SubjectID == subject {
			return a, true
		}
	}
	return agent.Agent{}, false
}

func (w *world) tokenList() []token.Token {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]token.Token, 0, len(w.tokens))
	for _, t := range w.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (w *world) contractList() []contract.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]contract.Record, 0, len(w.contracts))
	for _, c := range w.contracts {
		out = append(out, c)
	}
	return out
}

// Commit failure modes.
const (
	commitOK      = ""
	commitLost    = "lost"    // error, nothing applied
	commitApplied = "applied" // error, everything applied
	commitPartial = "partial" // error, agent changes lost
)

type fakePool struct {
	w          *world
	commitMode string
	beginErr   error
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	p.w.mu.Lock()
	return &fakeTx{pool: p, snap: p.w.snapshot()}, nil
}

func (p *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("fakePool: no sql")
}

func (p *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("fakePool: no sql")
}

func (p *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

type fakeTx struct {
	pool *fakePool
	snap snapshot
	done bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx: nested transactions not supported")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.done {
		return pgx.ErrTxClosed
	}
	f.done = true
	defer f.pool.w.mu.Unlock()

	switch f.pool.commitMode {
	case commitLost:
		f.pool.w.restore(f.snap)
		return errors.New("connection reset during commit")
	case commitApplied:
		return errors.New("connection reset after commit")
	case commitPartial:
		f.pool.w.agents = f.snap.agents
		return errors.New("connection reset during commit")
	}
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.done {
		return pgx.ErrTxClosed
	}
	f.done = true
	f.pool.w.restore(f.snap)
	f.pool.w.mu.Unlock()
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	return nil
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, nil
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeAgents struct {
	w          *world
	advanceErr map[agent.Event]error
}

func (f *fakeAgents) EnsureForSubject(_ context.Context, q db.DBTX, subjectID, email string) (agent.Agent, error) {
	var out agent.Agent
	f.w.with(q, func() {
		for id, a := range f.w.agents {
			if a.SubjectID == subjectID {
				if email != "" {
					a.Email = email
					f.w.agents[id] = a
				}
				out = a
				return
			}
		}
		out = agent.Agent{
			ID:                f.w.nextID("agent"),
			SubjectID:         subjectID,
			Email:             email,
			CommissionPercent: decimal.NewFromInt(10),
			Status:            agent.StatusPending,
		}
		f.w.agents[out.ID] = out
	})
	return out, nil
}

func (f *fakeAgents) get(q db.DBTX, id string) (agent.Agent, error) {
	var (
		a  agent.Agent
		ok bool
	)
	f.w.with(q, func() { a, ok = f.w.agents[id] })
	if !ok {
		return agent.Agent{}, agent.ErrNotFound
	}
	return a, nil
}

func (f *fakeAgents) GetByID(_ context.Context, q db.DBTX, id string) (agent.Agent, error) {
	return f.get(q, id)
}

func (f *fakeAgents) GetBySubject(_ context.Context, q db.DBTX, subjectID string) (agent.Agent, error) {
	var (
		out agent.Agent
		ok  bool
	)
	f.w.with(q, func() {
		for _, a := range f.w.agents {
			if a.SubjectID == subjectID {
				out, ok = a, true
			}
		}
	})
	if !ok {
		return agent.Agent{}, agent.ErrNotFound
	}
	return out, nil
}

func (f *fakeAgents) GetForUpdate(_ context.Context, q db.DBTX, id string) (agent.Agent, error) {
	return f.get(q, id)
}

func (f *fakeAgents) UpdateProfile(_ context.Context, q db.DBTX, id string, p agent.Profile) (agent.Agent, error) {
	var (
		a  agent.Agent
		ok bool
	)
	f.w.with(q, func() {
		if a, ok = f.w.agents[id]; ok {
			a.Profile = p
			f.w.agents[id] = a
		}
	})
	if !ok {
		return agent.Agent{}, agent.ErrNotFound
	}
	return a, nil
}

func (f *fakeAgents) Advance(_ context.Context, q db.DBTX, id string, ev agent.Event) (agent.Agent, error) {
	if err := f.advanceErr[ev]; err != nil {
		return agent.Agent{}, err
	}
	var (
		a   agent.Agent
		err error
	)
	f.w.with(q, func() {
		current, ok := f.w.agents[id]
		if !ok {
			err = agent.ErrNotFound
			return
		}
		next, nerr := agent.Next(current.Status, ev)
		if nerr != nil {
			err = nerr
			return
		}
		current.Status = next
		f.w.agents[id] = current
		a = current
	})
	return a, err
}

type fakeContracts struct {
	w *world
}

func (f *fakeContracts) Create(_ context.Context, q db.DBTX, p contract.CreateParams) (contract.Record, error) {
	var rec contract.Record
	f.w.with(q, func() {
		rec = contract.Record{
			ID:                f.w.nextID("contract"),
			AgentID:           p.AgentID,
			StoragePath:       p.StoragePath,
			Filename:          p.Filename,
			ContentHash:       p.ContentHash,
			CommissionPercent: p.CommissionPercent,
			EffectiveDate:     p.EffectiveDate,
			CreatedAt:         fixedNow,
		}
		f.w.contracts[rec.ID] = rec
	})
	return rec, nil
}

func (f *fakeContracts) GetByID(_ context.Context, q db.DBTX, id string) (contract.Record, error) {
	var (
		rec contract.Record
		ok  bool
	)
	f.w.with(q, func() { rec, ok = f.w.contracts[id] })
	if !ok {
		return contract.Record{}, contract.ErrNotFound
	}
	return rec, nil
}

func (f *fakeContracts) FindActive(_ context.Context, q db.DBTX, agentID string) (contract.Record, error) {
	var (
		rec contract.Record
		ok  bool
	)
	f.w.with(q, func() {
		for _, c := range f.w.contracts {
			if c.AgentID == agentID && c.Active() {
				rec, ok = c, true
			}
		}
	})
	if !ok {
		return contract.Record{}, contract.ErrNotFound
	}
	return rec, nil
}

func (f *fakeContracts) Supersede(_ context.Context, q db.DBTX, id string, at time.Time) error {
	var err error
	f.w.with(q, func() {
		c, ok := f.w.contracts[id]
		switch {
		case !ok:
			err = contract.ErrNotFound
		case c.Signed():
			err = contract.ErrAlreadySigned
		case c.Superseded():
			err = contract.ErrSuperseded
		default:
			c.SupersededAt = &at
			f.w.contracts[id] = c
		}
	})
	return err
}

func (f *fakeContracts) RecordSignature(_ context.Context, q db.DBTX, id string, sig contract.Signature) (contract.Record, error) {
	var (
		rec contract.Record
		err error
	)
	f.w.with(q, func() {
		c, ok := f.w.contracts[id]
		switch {
		case !ok:
			err = contract.ErrNotFound
		case c.Signed():
			err = contract.ErrAlreadySigned
		default:
			s := sig
			c.Signature = &s
			f.w.contracts[id] = c
			rec = c
		}
	})
	return rec, err
}

func (f *fakeContracts) StoragePath(ctx context.Context, q db.DBTX, id string) (string, error) {
	rec, err := f.GetByID(ctx, q, id)
	return rec.StoragePath, err
}

// fakeTokenRepo backs a real token.Service.
type fakeTokenRepo struct {
	w *world
}

func (f *fakeTokenRepo) Insert(_ context.Context, q db.DBTX, t token.Token) (token.Token, error) {
	f.w.with(q, func() { f.w.tokens[t.Secret] = t })
	return t, nil
}

func (f *fakeTokenRepo) GetBySecret(_ context.Context, q db.DBTX, secret string) (token.Token, error) {
	var (
		t  token.Token
		ok bool
	)
	f.w.with(q, func() { t, ok = f.w.tokens[secret] })
	if !ok {
		return token.Token{}, token.ErrNotFound
	}
	return t, nil
}

func (f *fakeTokenRepo) FindActiveForContract(_ context.Context, q db.DBTX, contractID string, now time.Time) (token.Token, error) {
	var (
		out token.Token
		ok  bool
	)
	f.w.with(q, func() {
		for _, t := range f.w.tokens {
			if t.ContractID == contractID && !t.Used && now.Before(t.ExpiresAt) && (!ok || t.CreatedAt.After(out.CreatedAt)) {
				out, ok = t, true
			}
		}
	})
	if !ok {
		return token.Token{}, token.ErrNotFound
	}
	return out, nil
}

func (f *fakeTokenRepo) MarkUsed(_ context.Context, q db.DBTX, secret string, now time.Time) (token.Token, error) {
	var (
		out token.Token
		err error
	)
	f.w.with(q, func() {
		t, ok := f.w.tokens[secret]
		if !ok || t.Used || !now.Before(t.ExpiresAt) {
			err = token.ErrNotConsumable
			return
		}
		t.Used = true
		t.UsedAt = &now
		f.w.tokens[secret] = t
		out = t
	})
	return out, err
}

func (f *fakeTokenRepo) DeleteExpired(_ context.Context, q db.DBTX, before time.Time) (int64, error) {
	var n int64
	f.w.with(q, func() {
		for k, t := range f.w.tokens {
			if !t.Used && t.ExpiresAt.Before(before) {
				delete(f.w.tokens, k)
				n++
			}
		}
	})
	return n, nil
}

func (f *fakeTokenRepo) DeleteUnusedForContract(_ context.Context, q db.DBTX, contractID string) (int64, error) {
	var n int64
	f.w.with(q, func() {
		for k, t := range f.w.tokens {
			if t.ContractID == contractID && !t.Used {
				delete(f.w.tokens, k)
				n++
			}
		}
	})
	return n, nil
}

func (f *fakeTokenRepo) ListConsumedUnfinished(_ context.Context, q db.DBTX, limit int) ([]token.Token, error) {
	var out []token.Token
	f.w.with(q, func() {
		for _, t := range f.w.tokens {
			if t.Used && f.w.agents[t.AgentID].Status != agent.StatusCompleted {
				out = append(out, t)
			}
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEvents struct {
	w *world
}

func (f *fakeEvents) Append(_ context.Context, q db.DBTX, agentID, eventType string, _ map[string]any) error {
	f.w.with(q, func() { f.w.timeline = append(f.w.timeline, agentID+":"+eventType) })
	return nil
}

func (f *fakeEvents) Enqueue(_ context.Context, q db.DBTX, topic string, _ map[string]any) error {
	f.w.with(q, func() { f.w.outbox = append(f.w.outbox, topic) })
	return nil
}

type fakeBlobs struct {
	mu        sync.Mutex
	files     map[string][]byte
	uploadErr error
}

func (f *fakeBlobs) Upload(_ context.Context, data []byte, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBlobs) Read(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[path]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return b, nil
}

type fakeMailer struct {
	mu      sync.Mutex
	sent    []mail.Message
	sendErr error
}

func (f *fakeMailer) Send(_ context.Context, msg mail.Message) (mail.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return mail.Result{}, f.sendErr
	}
	f.sent = append(f.sent, msg)
	return mail.Result{MessageID: fmt.Sprintf("<%d@test>", len(f.sent))}, nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSigner struct{}

func (fakeSigner) SignedURL(path string, ttl time.Duration) (string, error) {
	return "https://files.test/" + path + "?ttl=" + ttl.String(), nil
}

// harness wires every component on top of one world.
type harness struct {
	w          *world
	pool       *fakePool
	agents     *fakeAgents
	contracts  *fakeContracts
	tokenRepo  *fakeTokenRepo
	tokens     *token.Service
	blobs      *fakeBlobs
	mailer     *fakeMailer
	now        time.Time
	orch       *Orchestrator
	signer     *Signer
	reconciler *Reconciler
}

func newHarness() *harness {
	w := newWorld()
	h := &harness{
		w:         w,
		pool:      &fakePool{w: w},
		agents:    &fakeAgents{w: w, advanceErr: map[agent.Event]error{}},
		contracts: &fakeContracts{w: w},
		tokenRepo: &fakeTokenRepo{w: w},
		blobs:     &fakeBlobs{},
		mailer:    &fakeMailer{},
		now:       fixedNow,
	}
	clock := func() time.Time { return h.now }
	events := &fakeEvents{w: w}

	h.tokens = token.NewService(h.pool, h.tokenRepo, h.contracts, fakeSigner{}).WithClock(clock)
	h.orch = NewOrchestrator(h.pool, h.agents, h.contracts, h.tokens,
		contract.NewRenderer("Acme Sales Ltd"), h.blobs, h.mailer, events,
		Options{BaseURL: "https://app.example.com", CompanyName: "Acme Sales Ltd", StepTimeout: time.Second},
	).WithClock(clock)
	h.signer = NewSigner(h.pool, h.agents, h.contracts, h.tokens, events).WithClock(clock)
	h.reconciler = NewReconciler(h.pool, h.tokenRepo, h.agents, h.contracts, events)
	return h
}

func adaIdentity() auth.Identity {
	return auth.Identity{Subject: "idp|ada", Email: "ada@example.com"}
}

func adaProfile() ProfileInput {
	return ProfileInput{
		FirstName:    "Ada",
		LastName:     "Lovelace",
		DateOfBirth:  "1990-01-01",
		Phone:        "+44 20 7946 0958",
		AddressLine1: "12 St James's Square",
		City:         "London",
		PostalCode:   "SW1Y 4JH",
		Country:      "United Kingdom",
	}
}
