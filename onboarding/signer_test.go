package onboarding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"agentonboard/agent"
	"agentonboard/apperr"
	"agentonboard/token"
)

func submitted(t *testing.T) (*harness, token.Token) {
	t.Helper()
	h := newHarness()
	if _, err := h.orch.Submit(context.Background(), adaIdentity(), adaProfile()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return h, h.w.tokenList()[0]
}

func TestSign_CompletesAgentAndBurnsToken(t *testing.T) {
	h, tok := submitted(t)
	ctx := context.Background()

	res, err := h.signer.Sign(ctx, tok.Secret, "Ada Lovelace", "203.0.113.7")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if res.ContractID != tok.ContractID || !res.SignedAt.Equal(fixedNow) {
		t.Fatalf("unexpected result %+v", res)
	}

	v, err := h.tokens.Validate(ctx, tok.Secret, "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Valid || v.Code != token.CodeUsed {
		t.Fatalf("expected USED after signing, got %+v", v)
	}

	a, _ := h.w.agentBySubject("idp|ada")
	if a.Status != agent.StatusCompleted {
		t.Fatalf("expected completed, got %s", a.Status)
	}
	rec, err := h.contracts.GetByID(ctx, h.pool, tok.ContractID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Signature == nil || rec.Signature.SignedName != "Ada Lovelace" || rec.Signature.IPAddress != "203.0.113.7" {
		t.Fatalf("unexpected signature %+v", rec.Signature)
	}
}

func TestSign_RequiresName(t *testing.T) {
	h, tok := submitted(t)

	for _, name := range []string{"", "   ", "\t"} {
		_, err := h.signer.Sign(context.Background(), tok.Secret, name, "203.0.113.7")
		if apperr.CodeOf(err) != apperr.CodeValidation {
			t.Fatalf("Sign(%q): expected VALIDATION_ERROR, got %v", name, err)
		}
	}
	if h.w.tokenList()[0].Used {
		t.Fatal("rejected signature must not consume the token")
	}
}

func TestSign_UnknownIPFallsBackToSentinel(t *testing.T) {
	h, tok := submitted(t)

	if _, err := h.signer.Sign(context.Background(), tok.Secret, "Ada  Lovelace", ""); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	rec, _ := h.contracts.GetByID(context.Background(), h.pool, tok.ContractID)
	if rec.Signature.IPAddress != UnknownIP {
		t.Fatalf("expected %q, got %q", UnknownIP, rec.Signature.IPAddress)
	}
	if rec.Signature.SignedName != "Ada Lovelace" {
		t.Fatalf("expected collapsed whitespace, got %q", rec.Signature.SignedName)
	}
}

func TestSign_TokenFailures(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		h, _ := submitted(t)
		_, err := h.signer.Sign(context.Background(), "nope", "Ada Lovelace", "")
		if apperr.CodeOf(err) != apperr.CodeNotFound {
			t.Fatalf("expected NOT_FOUND, got %v", err)
		}
	})
	t.Run("expired", func(t *testing.T) {
		h, tok := submitted(t)
		h.now = fixedNow.Add(73 * time.Hour)
		_, err := h.signer.Sign(context.Background(), tok.Secret, "Ada Lovelace", "")
		if apperr.CodeOf(err) != apperr.CodeExpired {
			t.Fatalf("expected EXPIRED, got %v", err)
		}
	})
	t.Run("used", func(t *testing.T) {
		h, tok := submitted(t)
		if _, err := h.signer.Sign(context.Background(), tok.Secret, "Ada Lovelace", ""); err != nil {
			t.Fatalf("first sign: %v", err)
		}
		_, err := h.signer.Sign(context.Background(), tok.Secret, "Ada Lovelace", "")
		if apperr.CodeOf(err) != apperr.CodeUsed {
			t.Fatalf("expected USED, got %v", err)
		}
	})
}

func TestSign_ConcurrentExactlyOneSucceeds(t *testing.T) {
	h, tok := submitted(t)

	const signers = 8
	var (
		mu        sync.Mutex
		successes int
		used      int
	)
	var g errgroup.Group
	for i := 0; i < signers; i++ {
		g.Go(func() error {
			_, err := h.signer.Sign(context.Background(), tok.Secret, "Ada Lovelace", "203.0.113.7")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperr.CodeOf(err) == apperr.CodeUsed:
				used++
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if successes != 1 || used != signers-1 {
		t.Fatalf("expected 1 success and %d USED, got %d and %d", signers-1, successes, used)
	}
}

func TestSign_StatusConflictRollsBack(t *testing.T) {
	h := newHarness()
	h.mailer.sendErr = errors.New("smtp down")
	if _, err := h.orch.Submit(context.Background(), adaIdentity(), adaProfile()); err == nil {
		t.Fatal("expected submit to fail")
	}
	tok := h.w.tokenList()[0]

	// The agent is still profile_complete, so signing cannot complete it.
	_, err := h.signer.Sign(context.Background(), tok.Secret, "Ada Lovelace", "")
	if apperr.CodeOf(err) != apperr.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	if h.w.tokenList()[0].Used {
		t.Fatal("token must stay unused after a rolled back signature")
	}
	rec, _ := h.contracts.GetByID(context.Background(), h.pool, tok.ContractID)
	if rec.Signed() {
		t.Fatal("signature must be rolled back")
	}
}

func TestSign_CommitFailures(t *testing.T) {
	cases := []struct {
		mode       string
		wantCode   string
		wantStatus agent.Status
		wantUsed   bool
	}{
		{mode: commitLost, wantCode: apperr.CodeInternal, wantStatus: agent.StatusContractSent},
		{mode: commitApplied, wantCode: "", wantStatus: agent.StatusCompleted, wantUsed: true},
		{mode: commitPartial, wantCode: apperr.CodeFatalInconsistency, wantStatus: agent.StatusContractSent, wantUsed: true},
	}
	for _, tc := range cases {
		t.Run(tc.mode, func(t *testing.T) {
			h, tok := submitted(t)
			h.pool.commitMode = tc.mode

			_, err := h.signer.Sign(context.Background(), tok.Secret, "Ada Lovelace", "")
			switch {
			case tc.wantCode == "" && err != nil:
				t.Fatalf("expected success, got %v", err)
			case tc.wantCode != "" && apperr.CodeOf(err) != tc.wantCode:
				t.Fatalf("expected %s, got %v", tc.wantCode, err)
			}

			a, _ := h.w.agentBySubject("idp|ada")
			if a.Status != tc.wantStatus {
				t.Fatalf("agent status %s, want %s", a.Status, tc.wantStatus)
			}
			if h.w.tokenList()[0].Used != tc.wantUsed {
				t.Fatalf("token used = %v, want %v", h.w.tokenList()[0].Used, tc.wantUsed)
			}
		})
	}
}

func TestReconcile_FinishesPartialSignature(t *testing.T) {
	h, tok := submitted(t)
	h.pool.commitMode = commitPartial
	if _, err := h.signer.Sign(context.Background(), tok.Secret, "Ada Lovelace", ""); apperr.CodeOf(err) != apperr.CodeFatalInconsistency {
		t.Fatalf("expected FATAL_INCONSISTENCY, got %v", err)
	}
	h.pool.commitMode = commitOK

	items, err := h.reconciler.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].ContractID != tok.ContractID || items[0].Signature == nil {
		t.Fatalf("unexpected inconsistencies %+v", items)
	}

	a, err := h.reconciler.Resolve(context.Background(), tok.ContractID, "ops@example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.Status != agent.StatusCompleted {
		t.Fatalf("expected completed, got %s", a.Status)
	}
	items, _ = h.reconciler.List(context.Background(), 10)
	if len(items) != 0 {
		t.Fatalf("expected nothing left, got %+v", items)
	}
}

func TestReconcile_RefusesUnsignedContract(t *testing.T) {
	h, tok := submitted(t)
	_, err := h.reconciler.Resolve(context.Background(), tok.ContractID, "ops@example.com")
	if !errors.Is(err, ErrNotReconcilable) {
		t.Fatalf("expected ErrNotReconcilable, got %v", err)
	}
}
