// Package ledgertest provides an instrumented in-memory ledger.
//
// Ledger implements ledger.Client by executing Go Programs instead of EVM
// bytecode. Calls are ABI-decoded with go-ethereum, so everything the
// orchestrator encodes is checked exactly as a node would check it. Every
// deploy, send and call is recorded with a sequence number and timestamp so
// tests can assert ordering.
package ledgertest

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/shell/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const maxCallDepth = 16

// DefaultGenesisTime is the timestamp of block 0 unless overridden.
var DefaultGenesisTime = time.Date(2017, time.July, 1, 0, 0, 0, 0, time.UTC)

// BlockInterval is the simulated time between blocks.
const BlockInterval = 15 * time.Second

// =============================================================================
// Records
// =============================================================================

// RecordKind classifies a recorded ledger operation.
type RecordKind string

const (
	KindDeploy RecordKind = "deploy"
	KindSend   RecordKind = "send"
	KindCall   RecordKind = "call"
)

// Record is one observed operation.
type Record struct {
	Seq      int
	Kind     RecordKind
	From     common.Address
	To       common.Address // created address for deploys
	Program  string         // program executing the code (implementation for proxies)
	Method   string         // empty for deploys
	Args     []interface{}
	Value    *big.Int
	Reverted bool
	At       time.Time
}

// =============================================================================
// Ledger
// =============================================================================

type instance struct {
	program *Program
	storage map[string]interface{}
	nonce   uint64
}

type txEntry struct {
	receipt ledger.Receipt
	pending int
}

type journal struct {
	writes  map[common.Address]map[string]interface{}
	created map[common.Address]*instance
	nonces  map[common.Address]uint64
	logs    []*types.Log
}

func newJournal() *journal {
	return &journal{
		writes:  make(map[common.Address]map[string]interface{}),
		created: make(map[common.Address]*instance),
		nonces:  make(map[common.Address]uint64),
	}
}

func (j *journal) write(addr common.Address, key string, value interface{}) {
	slots, ok := j.writes[addr]
	if !ok {
		slots = make(map[string]interface{})
		j.writes[addr] = slots
	}
	slots[key] = value
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithGenesisTime sets the timestamp of block 0.
func WithGenesisTime(t time.Time) Option {
	return func(l *Ledger) { l.genesis = t }
}

// WithPendingPolls makes every receipt report pending for n polls before it
// is mined.
func WithPendingPolls(n int) Option {
	return func(l *Ledger) { l.pendingPolls = n }
}

// WithClock replaces the wall clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is an in-memory ledger.Client.
type Ledger struct {
	mu sync.Mutex

	genesis      time.Time
	pendingPolls int
	now          func() time.Time

	programs  map[string]*Program // by bytecode
	byName    map[string]*Program
	contracts map[common.Address]*instance
	nonces    map[common.Address]uint64
	txs       map[common.Hash]*txEntry
	block     uint64

	records      []Record
	seq          int
	receiptPolls int
	hold         bool
	reverts      map[string]bool // "Program.method"

	onSubmit func(Record)
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		genesis:   DefaultGenesisTime,
		now:       time.Now,
		programs:  make(map[string]*Program),
		byName:    make(map[string]*Program),
		contracts: make(map[common.Address]*instance),
		nonces:    make(map[common.Address]uint64),
		txs:       make(map[common.Hash]*txEntry),
		reverts:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Install makes programs deployable.
func (l *Ledger) Install(programs ...*Program) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range programs {
		l.programs[string(p.Bytecode())] = p
		l.byName[p.Name] = p
	}
}

// HoldReceipts keeps every receipt pending while on.
func (l *Ledger) HoldReceipts(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hold = on
}

// RevertOn makes every execution of program.method revert. The method
// "constructor" targets deployments.
func (l *Ledger) RevertOn(program, method string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reverts[program+"."+method] = true
}

// OnSubmit registers a hook called, outside the ledger lock, after every
// deploy or send is executed.
func (l *Ledger) OnSubmit(fn func(Record)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSubmit = fn
}

// Records returns a copy of every recorded operation in order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

// Deployments counts successful deploys of a program.
func (l *Ledger) Deployments(program string) int {
	n := 0
	for _, r := range l.Records() {
		if r.Kind == KindDeploy && r.Program == program && !r.Reverted {
			n++
		}
	}
	return n
}

// ReceiptPolls returns how many times Receipt was called.
func (l *Ledger) ReceiptPolls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receiptPolls
}

// ProgramAt returns the program deployed at addr, "" if none. Proxies report
// the delegator program.
func (l *Ledger) ProgramAt(addr common.Address) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if inst, ok := l.contracts[addr]; ok {
		return inst.program.Name
	}
	return ""
}

// Slot reads a committed storage slot.
func (l *Ledger) Slot(addr common.Address, key string) (interface{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.contracts[addr]
	if !ok {
		return nil, false
	}
	v, ok := inst.storage[key]
	return v, ok
}

// =============================================================================
// ledger.Client
// =============================================================================

// Deploy executes a contract creation.
func (l *Ledger) Deploy(ctx context.Context, req ledger.DeployRequest) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	from := req.From.Address
	nonce := l.nonces[from]
	l.nonces[from] = nonce + 1
	addr := crypto.CreateAddress(from, nonce)
	hash := txHash(from, nonce)

	rec := Record{Kind: KindDeploy, From: from, To: addr, Value: ledger.ValueOrZero(req.Value)}
	receipt := ledger.Receipt{TxHash: hash, Status: ledger.StatusMined}

	prog, rest := l.matchProgram(req.Data)
	var err error
	if prog == nil {
		err = Revert("unknown bytecode")
	} else {
		rec.Program = prog.Name
		j := newJournal()
		err = l.construct(j, from, addr, prog, rest, nil, 0)
		if err == nil {
			l.commit(j)
			receipt.ContractAddress = addr
			receipt.Logs = j.logs
		}
	}
	if err != nil {
		rec.Reverted = true
		receipt.Status = ledger.StatusReverted
	}
	hook := l.finishTx(rec, receipt)
	l.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return hash, nil
}

// Send executes a state-changing call.
func (l *Ledger) Send(ctx context.Context, req ledger.SendRequest) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	l.mu.Lock()
	from := req.From.Address
	nonce := l.nonces[from]
	l.nonces[from] = nonce + 1
	hash := txHash(from, nonce)

	j := newJournal()
	rec, err := l.dispatch(j, from, req.To, req.Value, false, req.Data)
	rec.Kind = KindSend
	receipt := ledger.Receipt{TxHash: hash, Status: ledger.StatusMined}
	if err != nil {
		rec.Reverted = true
		receipt.Status = ledger.StatusReverted
	} else {
		l.commit(j)
		receipt.Logs = j.logs
	}
	hook := l.finishTx(rec, receipt)
	l.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return hash, nil
}

// Call executes a read-only call or simulation.
func (l *Ledger) Call(ctx context.Context, req ledger.CallRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.contracts[req.To]; !ok {
		// Calls to accounts without code succeed with empty output.
		l.record(Record{Kind: KindCall, From: req.From, To: req.To, Value: ledger.ValueOrZero(req.Value)})
		return nil, nil
	}

	j := newJournal()
	rec, err := l.dispatchOutput(j, req.From, req.To, req.Value, req.Data)
	rec.rec.Kind = KindCall
	rec.rec.Reverted = err != nil
	l.record(rec.rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransactionReverted, err)
	}
	return rec.out, nil
}

// Receipt reports the transaction's status.
func (l *Ledger) Receipt(ctx context.Context, hash common.Hash) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiptPolls++

	tx, ok := l.txs[hash]
	if !ok {
		return ledger.Receipt{}, fmt.Errorf("unknown transaction %s", hash.Hex())
	}
	if l.hold {
		return ledger.Receipt{TxHash: hash, Status: ledger.StatusPending}, nil
	}
	if tx.pending > 0 {
		tx.pending--
		return ledger.Receipt{TxHash: hash, Status: ledger.StatusPending}, nil
	}
	return tx.receipt, nil
}

// BlockTime returns the simulated timestamp of a block.
func (l *Ledger) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if number > l.block {
		return time.Time{}, fmt.Errorf("unknown block %d", number)
	}
	return l.genesis.Add(time.Duration(number) * BlockInterval), nil
}

var _ ledger.Client = (*Ledger)(nil)

// =============================================================================
// Execution
// =============================================================================

func txHash(from common.Address, nonce uint64) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(from.Bytes(), n[:])
}

func (l *Ledger) record(r Record) {
	l.seq++
	r.Seq = l.seq
	r.At = l.now()
	l.records = append(l.records, r)
}

func (l *Ledger) finishTx(rec Record, receipt ledger.Receipt) func(Record) {
	l.block++
	receipt.BlockNumber = l.block
	l.txs[receipt.TxHash] = &txEntry{receipt: receipt, pending: l.pendingPolls}
	l.record(rec)
	return l.onSubmit
}

func (l *Ledger) matchProgram(data []byte) (*Program, []byte) {
	for code, p := range l.programs {
		if bytes.HasPrefix(data, []byte(code)) {
			return p, data[len(code):]
		}
	}
	return nil, nil
}

func (l *Ledger) programNamed(name string) (*Program, bool) {
	p, ok := l.byName[name]
	return p, ok
}

func (l *Ledger) instanceAt(j *journal, addr common.Address) (*instance, bool) {
	if inst, ok := j.created[addr]; ok {
		return inst, true
	}
	inst, ok := l.contracts[addr]
	return inst, ok
}

func (l *Ledger) load(j *journal, addr common.Address, key string) (interface{}, bool) {
	if slots, ok := j.writes[addr]; ok {
		if v, ok := slots[key]; ok {
			return v, true
		}
	}
	inst, ok := l.instanceAt(j, addr)
	if !ok {
		return nil, false
	}
	v, ok := inst.storage[key]
	return v, ok
}

func (l *Ledger) contractNonce(j *journal, addr common.Address) uint64 {
	if n, ok := j.nonces[addr]; ok {
		return n
	}
	if inst, ok := l.instanceAt(j, addr); ok {
		return inst.nonce
	}
	return 0
}

func (l *Ledger) commit(j *journal) {
	for addr, inst := range j.created {
		l.contracts[addr] = inst
	}
	for addr, slots := range j.writes {
		inst := l.contracts[addr]
		for k, v := range slots {
			inst.storage[k] = v
		}
	}
	for addr, n := range j.nonces {
		l.contracts[addr].nonce = n
	}
}

// construct creates an instance of p at addr. Constructor arguments come
// either ABI-encoded (external deploys) or as Go values (internal creates).
func (l *Ledger) construct(j *journal, from, addr common.Address, p *Program, encoded []byte, args []interface{}, depth int) error {
	if _, exists := l.instanceAt(j, addr); exists {
		return Revert("address collision at %s", addr.Hex())
	}
	if encoded != nil || args == nil {
		unpacked, err := p.ABI.Constructor.Inputs.Unpack(encoded)
		if err != nil {
			return Revert("constructor arguments: %v", err)
		}
		args = unpacked
	}
	if l.reverts[p.Name+".constructor"] {
		return Revert("%s constructor forced to revert", p.Name)
	}
	j.created[addr] = &instance{program: p, storage: make(map[string]interface{}), nonce: 1}
	if p.Constructor == nil {
		return nil
	}
	c := &Context{ledger: l, j: j, depth: depth, Sender: from, Self: addr, Value: new(big.Int)}
	_, err := p.Constructor(c, args)
	return err
}

// resolve returns the instance at addr and the program whose code runs
// there, following delegator proxies through the registry.
func (l *Ledger) resolve(j *journal, addr common.Address, depth int) (*instance, *Program, error) {
	inst, ok := l.instanceAt(j, addr)
	if !ok {
		return nil, nil, Revert("no contract at %s", addr.Hex())
	}
	if !inst.program.Proxy {
		return inst, inst.program, nil
	}
	if depth > maxCallDepth {
		return nil, nil, Revert("call depth exceeded")
	}

	registry, _ := l.load(j, addr, "registry")
	key, _ := l.load(j, addr, "key")
	out, err := l.invoke(j, addr, registry.(common.Address), nil, true, "lookup", []interface{}{key}, depth+1)
	if err != nil {
		return nil, nil, err
	}
	target := out[0].(common.Address)
	if target == (common.Address{}) {
		return nil, nil, Revert("delegation target %s not registered", keyString(key.([32]byte)))
	}
	_, impl, err := l.resolve(j, target, depth+1)
	if err != nil {
		return nil, nil, err
	}
	return inst, impl, nil
}

func (l *Ledger) invoke(j *journal, from, to common.Address, value *big.Int, static bool, method string, args []interface{}, depth int) ([]interface{}, error) {
	if depth > maxCallDepth {
		return nil, Revert("call depth exceeded")
	}
	_, prog, err := l.resolve(j, to, depth)
	if err != nil {
		return nil, err
	}
	if l.reverts[prog.Name+"."+method] {
		return nil, Revert("%s.%s forced to revert", prog.Name, method)
	}
	fn, ok := prog.Methods[method]
	if !ok {
		return nil, Revert("%s has no method %s", prog.Name, method)
	}
	c := &Context{ledger: l, j: j, depth: depth, Sender: from, Self: to, Value: ledger.ValueOrZero(value), Static: static}
	return fn(c, args)
}

type callOutput struct {
	rec Record
	out []byte
}

func (l *Ledger) dispatch(j *journal, from, to common.Address, value *big.Int, static bool, data []byte) (Record, error) {
	rec := Record{From: from, To: to, Value: ledger.ValueOrZero(value)}
	_, prog, err := l.resolve(j, to, 0)
	if err != nil {
		return rec, err
	}
	rec.Program = prog.Name
	if len(data) < 4 {
		return rec, Revert("missing selector")
	}
	m, err := prog.ABI.MethodById(data[:4])
	if err != nil {
		return rec, Revert("%s: %v", prog.Name, err)
	}
	rec.Method = m.Name
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return rec, Revert("%s.%s arguments: %v", prog.Name, m.Name, err)
	}
	rec.Args = args
	if !m.IsPayable() && value != nil && value.Sign() > 0 {
		return rec, Revert("%s.%s is not payable", prog.Name, m.Name)
	}
	_, err = l.invoke(j, from, to, value, static, m.Name, args, 0)
	return rec, err
}

func (l *Ledger) dispatchOutput(j *journal, from, to common.Address, value *big.Int, data []byte) (callOutput, error) {
	rec := Record{From: from, To: to, Value: ledger.ValueOrZero(value)}
	_, prog, err := l.resolve(j, to, 0)
	if err != nil {
		return callOutput{rec: rec}, err
	}
	rec.Program = prog.Name
	if len(data) < 4 {
		return callOutput{rec: rec}, Revert("missing selector")
	}
	m, err := prog.ABI.MethodById(data[:4])
	if err != nil {
		return callOutput{rec: rec}, Revert("%s: %v", prog.Name, err)
	}
	rec.Method = m.Name
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return callOutput{rec: rec}, Revert("%s.%s arguments: %v", prog.Name, m.Name, err)
	}
	rec.Args = args
	results, err := l.invoke(j, from, to, value, true, m.Name, args, 0)
	if err != nil {
		return callOutput{rec: rec}, err
	}
	out, err := m.Outputs.Pack(results...)
	if err != nil {
		return callOutput{rec: rec}, fmt.Errorf("%s.%s outputs: %w", prog.Name, m.Name, err)
	}
	return callOutput{rec: rec, out: out}, nil
}

func keyString(k [32]byte) string {
	return string(bytes.TrimRight(k[:], "\x00"))
}

// IsRevert reports whether err came from a reverted execution.
func IsRevert(err error) bool {
	return errors.Is(err, ErrRevert)
}
