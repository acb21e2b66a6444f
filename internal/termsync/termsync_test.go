package termsync

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/storage"
	"github.com/opgraph/syncnode/internal/store"
	"github.com/opgraph/syncnode/internal/syncerr"
)

func init() {
	hashobj.RegisterClass("test-op", nil)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	dir, err := os.MkdirTemp("", "termsync_test_*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := storage.New(dir)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return store.New(db)
}

func literalFor(t *testing.T, value string) *hashobj.Literal {
	t.Helper()
	op := &hashobj.MutationOp{
		Class:     "test",
		Payload:   json.RawMessage(`{"v":"` + value + `"}`),
		Author:    hashobj.Hash{0xAA},
		Signature: []byte("sig"),
	}
	lit, err := hashobj.LiteralizeOp(op)
	if err != nil {
		t.Fatalf("LiteralizeOp: %v", err)
	}
	return lit
}

func opFor(t *testing.T, target hashobj.Hash, prevOps ...hashobj.Hash) *hashobj.Literal {
	t.Helper()
	op := &hashobj.MutationOp{
		Class:     "test-op",
		Target:    target,
		PrevOps:   hashobj.NewHashSet(prevOps...),
		Payload:   json.RawMessage(`{}`),
		Author:    hashobj.Hash{0xBB},
		Signature: []byte("sig"),
	}
	lit, err := hashobj.LiteralizeOp(op)
	if err != nil {
		t.Fatalf("LiteralizeOp: %v", err)
	}
	return lit
}

func fixedSecret(string) []byte { return []byte("shared-secret-for-test-group") }

// TestRequestStateRoundTrip exercises the basic state-request / state-send
// leg of the protocol with no divergence.
func TestRequestStateRoundTrip(t *testing.T) {
	st := newTestStore(t)
	a := New(st, fixedSecret, nil)

	target := literalFor(t, "target")
	if err := st.Save(target); err != nil {
		t.Fatalf("save target: %v", err)
	}

	data, err := a.BuildRequestState(target.Hash)
	if err != nil {
		t.Fatalf("BuildRequestState: %v", err)
	}

	resp, err := a.HandleRequestState(data)
	if err != nil {
		t.Fatalf("HandleRequestState: %v", err)
	}

	msg, err := decode(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != kindSendState || msg.MutableObj != target.Hash {
		t.Errorf("unexpected response %+v", msg)
	}
}

// TestFullSyncFlow drives the entire request/respond cycle between two
// agents backed by independent stores: peer B is one op ahead of peer A,
// and A should end up holding it after exchanging state and objects.
func TestFullSyncFlow(t *testing.T) {
	stA := newTestStore(t)
	stB := newTestStore(t)

	target := literalFor(t, "shared-target")
	if err := stA.Save(target); err != nil {
		t.Fatalf("save target on A: %v", err)
	}
	if err := stB.Save(target); err != nil {
		t.Fatalf("save target on B: %v", err)
	}

	op1 := opFor(t, target.Hash)
	if err := stB.Save(op1); err != nil {
		t.Fatalf("save op1 on B: %v", err)
	}

	var accepted []hashobj.Hash
	agentA := New(stA, fixedSecret, func(_ hashobj.Hash, opHash hashobj.Hash) {
		accepted = append(accepted, opHash)
	})
	agentB := New(stB, fixedSecret, nil)

	reqState, err := agentA.BuildRequestState(target.Hash)
	if err != nil {
		t.Fatalf("BuildRequestState: %v", err)
	}
	sendState, err := agentB.HandleRequestState(reqState)
	if err != nil {
		t.Fatalf("HandleRequestState on B: %v", err)
	}

	reqObjs, err := agentA.ReceiveState("peer-b", sendState)
	if err != nil {
		t.Fatalf("ReceiveState on A: %v", err)
	}
	if reqObjs == nil {
		t.Fatal("expected A to request op1 from B")
	}

	sendObjs, err := agentB.HandleRequestObjs("peer-a", reqObjs)
	if err != nil {
		t.Fatalf("HandleRequestObjs on B: %v", err)
	}

	if _, err := agentA.HandleSendObjs("peer-b", sendObjs); err != nil {
		t.Fatalf("HandleSendObjs on A: %v", err)
	}

	if !stA.Has(op1.Hash) {
		t.Fatal("expected A to have persisted op1 after sync")
	}
	if len(accepted) != 1 || accepted[0] != op1.Hash {
		t.Errorf("expected onOpAccepted callback for op1, got %v", accepted)
	}
}

// TestHandleRequestObjsRejectsUnrelatedHash verifies R1: a peer can't
// smuggle a request for a hash that isn't actually one dependency edge
// away from the declared root.
func TestHandleRequestObjsRejectsUnrelatedHash(t *testing.T) {
	st := newTestStore(t)
	target := literalFor(t, "target")
	unrelated := literalFor(t, "unrelated-secret")
	if err := st.Save(target); err != nil {
		t.Fatalf("save target: %v", err)
	}
	if err := st.Save(unrelated); err != nil {
		t.Fatalf("save unrelated: %v", err)
	}

	a := New(st, fixedSecret, nil)

	msg := wireMessage{
		Kind:       kindRequestObjs,
		MutableObj: target.Hash,
		Root:       target.Hash,
		Chain:      hashobj.NewHashSet(unrelated.Hash),
	}
	data, err := encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err = a.HandleRequestObjs("peer-x", data)
	if err == nil {
		t.Fatal("expected R1 rejection for an unrelated hash")
	}
	if !syncerr.Is(err, syncerr.KindUnacceptableOp) {
		t.Errorf("expected KindUnacceptableOp, got %v", err)
	}
}

// TestHandleRequestObjsRejectsUnknownRoot verifies R1 refuses a root the
// responder has no record of at all.
func TestHandleRequestObjsRejectsUnknownRoot(t *testing.T) {
	st := newTestStore(t)
	a := New(st, fixedSecret, nil)

	ghostRoot := hashobj.Hash{0xFE}
	wanted := hashobj.Hash{0xFD}

	msg := wireMessage{
		Kind:       kindRequestObjs,
		MutableObj: ghostRoot,
		Root:       ghostRoot,
		Chain:      hashobj.NewHashSet(wanted),
	}
	data, err := encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err = a.HandleRequestObjs("peer-x", data)
	if err == nil {
		t.Fatal("expected rejection for an unknown root")
	}
	if !syncerr.Is(err, syncerr.KindUnacceptableOp) {
		t.Errorf("expected KindUnacceptableOp, got %v", err)
	}
}

// TestHandleSendObjsRejectsBadOwnershipProof verifies R2: a proof that does
// not verify against our held value must cause outright rejection, not a
// partial apply.
func TestHandleSendObjsRejectsBadOwnershipProof(t *testing.T) {
	st := newTestStore(t)
	target := literalFor(t, "target")
	if err := st.Save(target); err != nil {
		t.Fatalf("save target: %v", err)
	}

	op := opFor(t, target.Hash)

	a := New(st, fixedSecret, nil)
	msg := wireMessage{
		Kind:       kindSendObjs,
		MutableObj: target.Hash,
		Literals:   []*hashobj.Literal{op},
		Proofs:     map[string][]byte{target.Hash.String(): []byte("not-a-real-proof")},
	}
	data, err := encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	_, err = a.HandleSendObjs("peer-x", data)
	if err == nil {
		t.Fatal("expected rejection of a forged ownership proof")
	}
	if !syncerr.Is(err, syncerr.KindInvalidOwnershipProof) {
		t.Errorf("expected KindInvalidOwnershipProof, got %v", err)
	}
	if st.Has(op.Hash) {
		t.Error("expected op to be rejected wholesale, not partially applied")
	}
}

// TestIncompleteOpCompletesOnDependencyArrival exercises the
// incomplete-op/opsForMissing bookkeeping: an op whose prevOp hasn't
// arrived yet is stashed, and completes once that prevOp is accepted.
func TestIncompleteOpCompletesOnDependencyArrival(t *testing.T) {
	st := newTestStore(t)
	target := literalFor(t, "target")
	if err := st.Save(target); err != nil {
		t.Fatalf("save target: %v", err)
	}

	op1 := opFor(t, target.Hash)
	op2 := opFor(t, target.Hash, op1.Hash)

	var accepted []hashobj.Hash
	a := New(st, fixedSecret, func(_ hashobj.Hash, opHash hashobj.Hash) {
		accepted = append(accepted, opHash)
	})

	// op2 arrives first; its prevOp op1 hasn't, so it must be stashed.
	if err := a.acceptLiteral(target.Hash, op2); err != nil {
		t.Fatalf("acceptLiteral(op2): %v", err)
	}
	if st.Has(op2.Hash) {
		t.Fatal("op2 should not be durably saved before op1 arrives")
	}

	// op1 arrives, completing op2.
	if err := a.acceptLiteral(target.Hash, op1); err != nil {
		t.Fatalf("acceptLiteral(op1): %v", err)
	}

	if !st.Has(op1.Hash) || !st.Has(op2.Hash) {
		t.Fatal("expected both op1 and op2 to be durably saved after completion")
	}
	if len(accepted) != 2 {
		t.Errorf("expected both ops to fire onOpAccepted, got %v", accepted)
	}
}

// TestHousekeepDropsExpiredIncompleteOps verifies the TTL sweep removes
// ops that never completed and un-indexes them from opsForMissing.
func TestHousekeepDropsExpiredIncompleteOps(t *testing.T) {
	st := newTestStore(t)
	target := literalFor(t, "target")
	if err := st.Save(target); err != nil {
		t.Fatalf("save target: %v", err)
	}

	op1 := opFor(t, target.Hash)
	op2 := opFor(t, target.Hash, op1.Hash)

	a := New(st, fixedSecret, nil)
	if err := a.acceptLiteral(target.Hash, op2); err != nil {
		t.Fatalf("acceptLiteral(op2): %v", err)
	}

	if dropped := a.Housekeep(time.Now()); dropped != 0 {
		t.Errorf("expected nothing dropped before the TTL elapses, got %d", dropped)
	}

	future := time.Now().Add(incompleteOpTTL + time.Second)
	if dropped := a.Housekeep(future); dropped != 1 {
		t.Errorf("expected op2 to be dropped once its TTL elapses, got %d", dropped)
	}

	if len(a.opsForMissing[op1.Hash]) != 0 {
		t.Error("expected op2 to be un-indexed from opsForMissing after expiry")
	}

	// op1's later arrival should now be a no-op, not resurrect op2.
	if err := a.acceptLiteral(target.Hash, op1); err != nil {
		t.Fatalf("acceptLiteral(op1): %v", err)
	}
	if st.Has(op2.Hash) {
		t.Error("expected op2 to remain unsaved after its incomplete entry expired")
	}
}

// TestBackpressureCapsInFlightRequests verifies that a third concurrent
// request for the same hash from the same peer is refused.
func TestBackpressureCapsInFlightRequests(t *testing.T) {
	st := newTestStore(t)
	a := New(st, fixedSecret, nil)
	wanted := hashobj.Hash{0x01}

	if !a.tryReserve(wanted, "peer-a") {
		t.Fatal("expected first reservation to succeed")
	}
	if !a.tryReserve(wanted, "peer-a") {
		t.Fatal("expected second reservation to succeed")
	}
	if a.tryReserve(wanted, "peer-a") {
		t.Fatal("expected third reservation to be refused by backpressure cap")
	}

	a.release(wanted, "peer-a")
	if !a.tryReserve(wanted, "peer-a") {
		t.Fatal("expected reservation to succeed again after a release")
	}
}
