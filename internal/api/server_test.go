package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/syncerr"
)

// fakeStore is an in-memory ObjectStore stand-in for handler-level tests.
type fakeStore struct {
	literals  map[hashobj.Hash]*hashobj.Literal
	saveErr   error
	terminals map[hashobj.Hash]*hashobj.TerminalOpsState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		literals:  make(map[hashobj.Hash]*hashobj.Literal),
		terminals: make(map[hashobj.Hash]*hashobj.TerminalOpsState),
	}
}

func (f *fakeStore) Save(lit *hashobj.Literal) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.literals[lit.Hash] = lit
	return nil
}

func (f *fakeStore) Load(hash hashobj.Hash) (*hashobj.Literal, error) {
	return f.literals[hash], nil
}

func (f *fakeStore) LoadTerminalOpsForMutable(hash hashobj.Hash) (*hashobj.TerminalOpsState, error) {
	if state, ok := f.terminals[hash]; ok {
		return state, nil
	}
	return &hashobj.TerminalOpsState{MutableObjHash: hash}, nil
}

type fakeUndo struct {
	emitted []*hashobj.Literal
	err     error
}

func (f *fakeUndo) Apply(hashobj.Hash) ([]*hashobj.Literal, error) {
	return f.emitted, f.err
}

type fakeStatus struct {
	peers   int
	groupID string
}

func (f *fakeStatus) PeerCount() int  { return f.peers }
func (f *fakeStatus) GroupID() string { return f.groupID }

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

func TestHealthEndpoint(t *testing.T) {
	server := New(":0", newFakeStore(), nil, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	server.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestSubmitOp_Success(t *testing.T) {
	store := newFakeStore()
	server := New(":0", store, nil, nil)

	lit := literalFor(t, "hello")
	body, err := json.Marshal(lit)
	if err != nil {
		t.Fatalf("marshal literal: %v", err)
	}

	req := httptest.NewRequest("POST", "/ops", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.handleSubmitOp(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := store.literals[lit.Hash]; !ok {
		t.Error("expected literal to be saved")
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["hash"] != lit.Hash.String() {
		t.Errorf("expected hash %s in response, got %s", lit.Hash, resp["hash"])
	}
}

func TestSubmitOp_EmptyBody(t *testing.T) {
	server := New(":0", newFakeStore(), nil, nil)

	req := httptest.NewRequest("POST", "/ops", nil)
	w := httptest.NewRecorder()
	server.handleSubmitOp(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestSubmitOp_MalformedJSON(t *testing.T) {
	server := New(":0", newFakeStore(), nil, nil)

	req := httptest.NewRequest("POST", "/ops", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	server.handleSubmitOp(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestSubmitOp_RejectedByStore(t *testing.T) {
	store := newFakeStore()
	store.saveErr = syncerr.New(syncerr.KindMissingDependency, "missing prevOp")
	server := New(":0", store, nil, nil)

	lit := literalFor(t, "hello")
	body, _ := json.Marshal(lit)

	req := httptest.NewRequest("POST", "/ops", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.handleSubmitOp(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 for a missing dependency, got %d", w.Code)
	}
}

func TestGetObject_NotFound(t *testing.T) {
	server := New(":0", newFakeStore(), nil, nil)

	req := httptest.NewRequest("GET", "/objects/"+hashobj.Hash{0x01}.String(), nil)
	req.SetPathValue("hash", hashobj.Hash{0x01}.String())
	w := httptest.NewRecorder()
	server.handleGetObject(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestGetObject_Found(t *testing.T) {
	store := newFakeStore()
	lit := literalFor(t, "hello")
	store.literals[lit.Hash] = lit
	server := New(":0", store, nil, nil)

	req := httptest.NewRequest("GET", "/objects/"+lit.Hash.String(), nil)
	req.SetPathValue("hash", lit.Hash.String())
	w := httptest.NewRecorder()
	server.handleGetObject(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var got hashobj.Literal
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if got.Hash != lit.Hash {
		t.Errorf("expected hash %s, got %s", lit.Hash, got.Hash)
	}
}

func TestGetObject_InvalidHash(t *testing.T) {
	server := New(":0", newFakeStore(), nil, nil)

	req := httptest.NewRequest("GET", "/objects/not-hex", nil)
	req.SetPathValue("hash", "not-hex")
	w := httptest.NewRecorder()
	server.handleGetObject(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestGetTerminalOps(t *testing.T) {
	store := newFakeStore()
	mutable := hashobj.Hash{0x02}
	op := hashobj.Hash{0x03}
	store.terminals[mutable] = &hashobj.TerminalOpsState{
		MutableObjHash: mutable,
		TerminalOps:    hashobj.NewHashSet(op),
	}
	server := New(":0", store, nil, nil)

	req := httptest.NewRequest("GET", "/objects/"+mutable.String()+"/terminal-ops", nil)
	req.SetPathValue("hash", mutable.String())
	w := httptest.NewRecorder()
	server.handleGetTerminalOps(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		TerminalOps []hashobj.Hash `json:"terminalOps"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.TerminalOps) != 1 || resp.TerminalOps[0] != op {
		t.Errorf("expected terminal ops [%s], got %v", op, resp.TerminalOps)
	}
}

func TestUndo_Unavailable(t *testing.T) {
	server := New(":0", newFakeStore(), nil, nil)

	req := httptest.NewRequest("POST", "/undo/"+hashobj.Hash{0x01}.String(), nil)
	req.SetPathValue("hash", hashobj.Hash{0x01}.String())
	w := httptest.NewRecorder()
	server.handleUndo(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestUndo_Success(t *testing.T) {
	emitted := literalFor(t, "undo")
	undo := &fakeUndo{emitted: []*hashobj.Literal{emitted}}
	server := New(":0", newFakeStore(), undo, nil)

	target := hashobj.Hash{0x04}
	req := httptest.NewRequest("POST", "/undo/"+target.String(), nil)
	req.SetPathValue("hash", target.String())
	w := httptest.NewRecorder()
	server.handleUndo(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		UndoOps []string `json:"undoOps"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.UndoOps) != 1 || resp.UndoOps[0] != emitted.Hash.String() {
		t.Errorf("expected undo ops [%s], got %v", emitted.Hash, resp.UndoOps)
	}
}

func TestUndo_RejectsNonReversible(t *testing.T) {
	undo := &fakeUndo{err: syncerr.New(syncerr.KindUnacceptableOp, "not reversible")}
	server := New(":0", newFakeStore(), undo, nil)

	target := hashobj.Hash{0x05}
	req := httptest.NewRequest("POST", "/undo/"+target.String(), nil)
	req.SetPathValue("hash", target.String())
	w := httptest.NewRecorder()
	server.handleUndo(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	status := &fakeStatus{peers: 3, groupID: "group-a"}
	server := New(":0", newFakeStore(), nil, status)

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	server.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["groupId"] != "group-a" {
		t.Errorf("expected groupId group-a, got %v", resp["groupId"])
	}
}

func TestStatusEndpoint_Unavailable(t *testing.T) {
	server := New(":0", newFakeStore(), nil, nil)

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	server.handleStatus(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}
