package server

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"multisigd/crypto"
	"multisigd/services/multisigd/collector"
	"multisigd/services/multisigd/composer"
	"multisigd/services/multisigd/internal/testdb"
	"multisigd/services/multisigd/ledger"
	"multisigd/services/multisigd/ledger/ledgertest"
	msmw "multisigd/services/multisigd/middleware"
	"multisigd/services/multisigd/models"
	"multisigd/services/multisigd/proposals"
	"multisigd/services/multisigd/store"
	"multisigd/services/multisigd/submission"
)

const (
	account  = "account_sim1multisig"
	manifest = `CALL_METHOD Address("account_sim1multisig") "withdraw" Address("resource_sim1xrd") Decimal("5");
CALL_METHOD Address("account_sim1dest") "try_deposit_batch_or_abort" Expression("ENTIRE_WORKTOP") None;`
	secret = "test-secret"
)

type harness struct {
	handler http.Handler
	gw      *ledgertest.Gateway
	keys    []*crypto.PrivateKey
	token   string
}

func newHarness(t *testing.T, auth bool) *harness {
	t.Helper()
	db := testdb.Open(t)
	st := store.New(db)
	gw := ledgertest.New(500)
	h := &harness{gw: gw}

	var pubs []crypto.PublicKey
	for i := 0; i < 3; i++ {
		key, err := crypto.GeneratePrivateKey(crypto.KeyTypeEd25519)
		require.NoError(t, err)
		h.keys = append(h.keys, key)
		pubs = append(pubs, key.PublicKey())
	}
	gw.SetPolicy(account, 2, pubs...)

	comp := composer.New(crypto.Simulator, gw, gw)
	payerKey, err := crypto.GeneratePrivateKey(crypto.KeyTypeSecp256k1)
	require.NoError(t, err)
	fee, err := composer.ParseDecimal("10")
	require.NoError(t, err)
	svc := submission.New(st, comp, gw, composer.FeePayer{Account: "account_sim1feepayer", Key: payerKey, LockFee: fee},
		submission.WithPolling(1, time.Millisecond))

	srv := New(Config{
		DB:         db,
		Proposals:  proposals.New(proposals.Config{Store: st, Composer: comp, Ledger: gw, Account: account}),
		Collector:  collector.New(st, gw, nil),
		Submission: svc,
		Auth:       msmw.AuthConfig{Enabled: auth, HMACSecret: secret},
	})
	h.handler = srv.Handler()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": ScopeWrite,
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	h.token = token
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func (h *harness) create(t *testing.T) models.Proposal {
	t.Helper()
	res := h.do(t, http.MethodPost, "/proposals", map[string]any{"manifest": manifest, "expiry_rounds": 20})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	return decodeBody[models.Proposal](t, res)
}

func (h *harness) sign(t *testing.T, id string, key *crypto.PrivateKey) *httptest.ResponseRecorder {
	t.Helper()
	res := h.do(t, http.MethodGet, "/proposals/"+id+"/unsigned", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	unsigned := decodeBody[proposals.Unsigned](t, res)
	raw, err := hex.DecodeString(unsigned.UnsignedHex)
	require.NoError(t, err)
	signed, err := composer.SignSubAction(raw, key)
	require.NoError(t, err)
	return h.do(t, http.MethodPost, "/proposals/"+id+"/signatures",
		map[string]string{"signed_partial_transaction_hex": hex.EncodeToString(signed)})
}

func TestProposalLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, true)
	p := h.create(t)
	require.Equal(t, models.StatusCreated, p.Status)
	require.Equal(t, uint64(500), p.RoundMin)
	require.Equal(t, uint64(520), p.RoundMax)
	id := p.ID.String()

	res := h.sign(t, id, h.keys[0])
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	status := decodeBody[collector.SignatureStatus](t, res)
	require.Equal(t, models.StatusSigning, status.ProposalStatus)
	require.Equal(t, 1, status.Remaining)

	res = h.sign(t, id, h.keys[0])
	require.Equal(t, http.StatusConflict, res.Code)

	res = h.sign(t, id, h.keys[1])
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, models.StatusReady, decodeBody[collector.SignatureStatus](t, res).ProposalStatus)

	res = h.do(t, http.MethodGet, "/proposals/"+id+"/signatures", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, 2, decodeBody[collector.SignatureStatus](t, res).Collected)

	h.gw.ScriptAnyStatus(ledger.TxStatus{State: ledger.TxCommitted})
	res = h.do(t, http.MethodPost, "/proposals/"+id+"/submit", map[string]string{})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	result := decodeBody[submission.Result](t, res)
	require.Equal(t, models.StatusCommitted, result.Proposal.Status)

	res = h.do(t, http.MethodGet, "/proposals/"+id+"/attempts", nil)
	require.Equal(t, http.StatusOK, res.Code)
	attempts := decodeBody[struct {
		Attempts []models.SubmissionAttempt `json:"attempts"`
	}](t, res)
	require.Len(t, attempts.Attempts, 2)

	res = h.do(t, http.MethodGet, "/proposals?status=committed", nil)
	require.Equal(t, http.StatusOK, res.Code)
	list := decodeBody[struct {
		Proposals []models.Proposal `json:"proposals"`
	}](t, res)
	require.Len(t, list.Proposals, 1)
	require.Equal(t, p.ID, list.Proposals[0].ID)
}

func TestPendingSubmitReturnsAccepted(t *testing.T) {
	h := newHarness(t, false)
	p := h.create(t)
	id := p.ID.String()
	require.Equal(t, http.StatusOK, h.sign(t, id, h.keys[0]).Code)
	require.Equal(t, http.StatusOK, h.sign(t, id, h.keys[2]).Code)

	res := h.do(t, http.MethodPost, "/proposals/"+id+"/submit", nil)
	require.Equal(t, http.StatusAccepted, res.Code, res.Body.String())
	require.Equal(t, models.StatusSubmitting, decodeBody[submission.Result](t, res).Proposal.Status)

	res = h.do(t, http.MethodPost, "/proposals/"+id+"/submit", nil)
	require.Equal(t, http.StatusConflict, res.Code)
}

func TestAccessRule(t *testing.T) {
	h := newHarness(t, false)
	res := h.do(t, http.MethodGet, "/account/access-rule", nil)
	require.Equal(t, http.StatusOK, res.Code)
	body := decodeBody[map[string]any](t, res)
	require.Equal(t, account, body["account_address"])

	h.gw.PolicyErr = ledger.ErrDenyAll
	res = h.do(t, http.MethodGet, "/account/access-rule", nil)
	require.Equal(t, http.StatusBadGateway, res.Code)
}

func TestGatewayOutageIsBadGateway(t *testing.T) {
	h := newHarness(t, false)
	h.gw.RoundErr = errors.New("connection refused")
	res := h.do(t, http.MethodPost, "/proposals", map[string]any{"manifest": manifest})
	require.Equal(t, http.StatusBadGateway, res.Code, res.Body.String())
}

func TestErrorStatuses(t *testing.T) {
	h := newHarness(t, false)
	p := h.create(t)
	id := p.ID.String()

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown proposal", http.MethodGet, "/proposals/6f1c5b8e-9a4d-4f7e-8c21-3b0a9d6e5f47", nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/proposals/not-a-uuid", nil, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/proposals?status=DONE", nil, http.StatusBadRequest},
		{"empty manifest", http.MethodPost, "/proposals", map[string]any{"manifest": " "}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/proposals", map[string]any{"manifest": manifest, "extra": 1}, http.StatusBadRequest},
		{"expiry too long", http.MethodPost, "/proposals", map[string]any{"manifest": manifest, "expiry_rounds": 1_000_000}, http.StatusBadRequest},
		{"bad manifest", http.MethodPost, "/proposals", map[string]any{"manifest": "NOT A MANIFEST"}, http.StatusBadRequest},
		{"bad hex", http.MethodPost, "/proposals/" + id + "/signatures", map[string]string{"signed_partial_transaction_hex": "zz"}, http.StatusBadRequest},
		{"garbage artifact", http.MethodPost, "/proposals/" + id + "/signatures", map[string]string{"signed_partial_transaction_hex": "deadbeef"}, http.StatusBadRequest},
		{"submit not ready", http.MethodPost, "/proposals/" + id + "/submit", nil, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := h.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.want, res.Code, res.Body.String())
			require.Contains(t, res.Body.String(), `"error"`)
		})
	}
}

func TestForeignSignerIsUnprocessable(t *testing.T) {
	h := newHarness(t, false)
	p := h.create(t)
	stranger, err := crypto.GeneratePrivateKey(crypto.KeyTypeSecp256k1)
	require.NoError(t, err)
	res := h.sign(t, p.ID.String(), stranger)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code, res.Body.String())
}

func TestWritesRequireToken(t *testing.T) {
	h := newHarness(t, true)
	req := httptest.NewRequest(http.MethodPost, "/proposals", bytes.NewBufferString(`{"manifest":"x"}`))
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	req = httptest.NewRequest(http.MethodGet, "/proposals", nil)
	res = httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestCreateIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	body := map[string]any{"manifest": manifest}
	first := h.do(t, http.MethodPost, "/proposals", body, msmw.IdempotencyHeader, "create-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := h.do(t, http.MethodPost, "/proposals", body, msmw.IdempotencyHeader, "create-1")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	res := h.do(t, http.MethodGet, "/proposals", nil)
	list := decodeBody[struct {
		Proposals []models.Proposal `json:"proposals"`
	}](t, res)
	require.Len(t, list.Proposals, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, false)
	res := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
}
