// Package textcrdt is an operation-based replicated text structure
// implementing the crdt.Engine contract.
//
// The replica state is a set of operations keyed by (site, counter) IDs.
// Inserts anchor a run of text after a rune of an earlier insert, deletes
// tombstone rune ranges of earlier inserts. Merging is set union, and the
// visible text is a pure function of the set, so imports are idempotent and
// commutative by construction. Runs anchored at the same position are ordered
// by descending (counter, site); that tie-break is part of the contract and
// is what makes concurrent same-position inserts render identically on every
// replica.
package textcrdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/docmesh/docmesh/crdt"
)

const payloadVersion = 1

const (
	opInsert = 1
	opDelete = 2
)

// ID identifies one operation. Counters start at 1 and grow sequentially per
// site; the zero ID is the virtual root every first insert anchors to.
type ID struct {
	Site    uint64 `json:"s"`
	Counter uint64 `json:"c"`
}

func (id ID) isRoot() bool { return id.Site == 0 && id.Counter == 0 }

// ordered newest first, so a later insert at the same anchor lands in front.
func idBefore(a, b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Site > b.Site
}

type op struct {
	ID     ID     `json:"id"`
	Kind   int    `json:"k"`
	Origin ID     `json:"o,omitempty"`
	Offset int    `json:"off,omitempty"`
	Text   string `json:"t,omitempty"`
	Target ID     `json:"tg,omitempty"`
	From   int    `json:"f,omitempty"`
	To     int    `json:"to,omitempty"`
}

type payload struct {
	Version int  `json:"v"`
	Ops     []op `json:"ops"`
}

type anchor struct {
	id  ID
	off int
}

type elem struct {
	op      op
	runes   []rune
	deleted []bool
}

// Doc is one replica. It is not safe for concurrent use; the sync core wraps
// it in a crdt.Handle which serializes access.
type Doc struct {
	site    uint64
	counter uint64

	elems    map[ID]*elem
	dels     map[ID]op
	children map[anchor][]ID
	versions map[uint64]uint64
	pending  []op
}

var _ crdt.Engine = (*Doc)(nil)

// New creates an empty replica. Site must be unique among collaborating
// replicas; callers typically derive it from the node identity.
func New(site uint64) *Doc {
	return &Doc{
		site:     site,
		elems:    map[ID]*elem{},
		dels:     map[ID]op{},
		children: map[anchor][]ID{},
		versions: map[uint64]uint64{},
	}
}

func (d *Doc) nextID() ID {
	d.counter++
	return ID{Site: d.site, Counter: d.counter}
}

// InsertText inserts text after pos visible runes. pos 0 prepends.
func (d *Doc) InsertText(pos int, text string) error {
	if text == "" {
		return fmt.Errorf("textcrdt: empty insertion")
	}
	vis := d.visible()
	if pos < 0 || pos > len(vis) {
		return fmt.Errorf("textcrdt: insert position %d out of range [0,%d]", pos, len(vis))
	}
	at := anchor{}
	if pos > 0 {
		at = anchor{id: vis[pos-1].id, off: vis[pos-1].idx + 1}
	}
	o := op{ID: d.nextID(), Kind: opInsert, Origin: at.id, Offset: at.off, Text: text}
	d.integrateInsert(o)
	return nil
}

// DeleteText removes n visible runes starting at pos.
func (d *Doc) DeleteText(pos, n int) error {
	vis := d.visible()
	if n <= 0 || pos < 0 || pos+n > len(vis) {
		return fmt.Errorf("textcrdt: delete range [%d,%d) out of range [0,%d)", pos, pos+n, len(vis))
	}
	// one delete op per contiguous run within the same insert
	for i := pos; i < pos+n; {
		target := vis[i].id
		from := vis[i].idx
		to := from + 1
		for i+1 < pos+n && vis[i+1].id == target && vis[i+1].idx == to {
			to++
			i++
		}
		i++
		d.integrateDelete(op{ID: d.nextID(), Kind: opDelete, Target: target, From: from, To: to})
	}
	return nil
}

// Text renders the visible text.
func (d *Doc) Text() string {
	var out []rune
	d.walk(func(e *elem, idx int) {
		out = append(out, e.runes[idx])
	})
	return string(out)
}

// Len reports the number of visible runes.
func (d *Doc) Len() int {
	n := 0
	d.walk(func(*elem, int) { n++ })
	return n
}

type visRune struct {
	id  ID
	idx int
}

func (d *Doc) visible() []visRune {
	var vis []visRune
	d.walk(func(e *elem, idx int) {
		vis = append(vis, visRune{id: e.op.ID, idx: idx})
	})
	return vis
}

// walk traverses the op tree in document order, calling f for every visible
// rune. Children anchored after rune i-1 are emitted before rune i.
func (d *Doc) walk(f func(e *elem, idx int)) {
	var rec func(id ID, e *elem)
	rec = func(id ID, e *elem) {
		n := 0
		if e != nil {
			n = len(e.runes)
		}
		for i := 0; i <= n; i++ {
			for _, cid := range d.children[anchor{id: id, off: i}] {
				rec(cid, d.elems[cid])
			}
			if e != nil && i < n && !e.deleted[i] {
				f(e, i)
			}
		}
	}
	rec(ID{}, nil)
}

func (d *Doc) integrateInsert(o op) {
	e := &elem{op: o, runes: []rune(o.Text)}
	e.deleted = make([]bool, len(e.runes))
	d.elems[o.ID] = e
	at := anchor{id: o.Origin, off: o.Offset}
	sib := d.children[at]
	i := sort.Search(len(sib), func(i int) bool { return !idBefore(sib[i], o.ID) })
	sib = append(sib, ID{})
	copy(sib[i+1:], sib[i:])
	sib[i] = o.ID
	d.children[at] = sib
	d.bump(o.ID)
}

func (d *Doc) integrateDelete(o op) {
	d.dels[o.ID] = o
	e := d.elems[o.Target]
	for i := o.From; i < o.To; i++ {
		e.deleted[i] = true
	}
	d.bump(o.ID)
}

func (d *Doc) bump(id ID) {
	if id.Counter > d.versions[id.Site] {
		d.versions[id.Site] = id.Counter
	}
	if id.Site == d.site && id.Counter > d.counter {
		d.counter = id.Counter
	}
}

// StateVector reports the highest counter applied per site.
func (d *Doc) StateVector() crdt.StateVector {
	if len(d.versions) == 0 {
		return nil
	}
	m := make(map[string]uint64, len(d.versions))
	for site, c := range d.versions {
		m[strconv.FormatUint(site, 10)] = c
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func decodeStateVector(sv crdt.StateVector) (map[uint64]uint64, error) {
	if len(sv) == 0 {
		return nil, nil
	}
	var m map[string]uint64
	if err := json.Unmarshal(sv, &m); err != nil {
		return nil, fmt.Errorf("%w: state vector: %w", crdt.ErrMalformed, err)
	}
	out := make(map[uint64]uint64, len(m))
	for k, v := range m {
		site, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: state vector site %q", crdt.ErrMalformed, k)
		}
		out[site] = v
	}
	return out, nil
}

// ExportSnapshot serializes every applied operation, sorted by ID for
// deterministic output.
func (d *Doc) ExportSnapshot() ([]byte, error) {
	return d.export(nil)
}

// ExportUpdate serializes the operations not covered by since. An empty
// vector yields the full history.
func (d *Doc) ExportUpdate(since crdt.StateVector) ([]byte, error) {
	seen, err := decodeStateVector(since)
	if err != nil {
		return nil, err
	}
	return d.export(seen)
}

func (d *Doc) export(seen map[uint64]uint64) ([]byte, error) {
	var ops []op
	for id, e := range d.elems {
		if id.Counter > seen[id.Site] {
			ops = append(ops, e.op)
		}
	}
	for id, o := range d.dels {
		if id.Counter > seen[id.Site] {
			ops = append(ops, o)
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Site != ops[j].ID.Site {
			return ops[i].ID.Site < ops[j].ID.Site
		}
		return ops[i].ID.Counter < ops[j].ID.Counter
	})
	return json.Marshal(payload{Version: payloadVersion, Ops: ops})
}

// Import applies a snapshot or update. The payload is decoded and validated
// in full before any state changes, so malformed input never partially
// mutates the replica. Already-applied operations are skipped, which makes
// duplicate delivery a no-op.
func (d *Doc) Import(data []byte) error {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %w", crdt.ErrMalformed, err)
	}
	if p.Version != payloadVersion {
		return fmt.Errorf("%w: unsupported version %d", crdt.ErrMalformed, p.Version)
	}
	batch := make(map[ID]op, len(p.Ops))
	for _, o := range p.Ops {
		if err := d.validate(o, batch); err != nil {
			return err
		}
		batch[o.ID] = o
	}
	for _, o := range p.Ops {
		d.apply(o)
	}
	d.drainPending()
	return nil
}

// validate statically checks one op. Anchors into ops carried by the same
// batch are checked against the batch; anchors into unknown ops are deferred
// to integration time (the op stays pending until its origin arrives).
func (d *Doc) validate(o op, batch map[ID]op) error {
	if o.ID.Counter == 0 {
		return fmt.Errorf("%w: zero op id", crdt.ErrMalformed)
	}
	if _, dup := batch[o.ID]; dup {
		return fmt.Errorf("%w: duplicate op %v in payload", crdt.ErrMalformed, o.ID)
	}
	switch o.Kind {
	case opInsert:
		if o.Text == "" {
			return fmt.Errorf("%w: empty insert %v", crdt.ErrMalformed, o.ID)
		}
		if o.Offset < 0 {
			return fmt.Errorf("%w: negative offset in %v", crdt.ErrMalformed, o.ID)
		}
		if n, ok := d.anchorLen(o.Origin, batch); ok && o.Offset > n {
			return fmt.Errorf("%w: offset %d beyond origin of %v", crdt.ErrMalformed, o.Offset, o.ID)
		}
	case opDelete:
		if o.Target.isRoot() || o.From < 0 || o.To <= o.From {
			return fmt.Errorf("%w: bad delete range in %v", crdt.ErrMalformed, o.ID)
		}
		if n, ok := d.anchorLen(o.Target, batch); ok && o.To > n {
			return fmt.Errorf("%w: delete range beyond target of %v", crdt.ErrMalformed, o.ID)
		}
	default:
		return fmt.Errorf("%w: unknown op kind %d", crdt.ErrMalformed, o.Kind)
	}
	return nil
}

func (d *Doc) anchorLen(id ID, batch map[ID]op) (int, bool) {
	if id.isRoot() {
		return 0, true
	}
	if e, ok := d.elems[id]; ok {
		return len(e.runes), true
	}
	if o, ok := batch[id]; ok && o.Kind == opInsert {
		return len([]rune(o.Text)), true
	}
	return 0, false
}

func (d *Doc) applied(id ID) bool {
	if _, ok := d.elems[id]; ok {
		return true
	}
	_, ok := d.dels[id]
	return ok
}

func (d *Doc) apply(o op) {
	if d.applied(o.ID) {
		return
	}
	if !d.ready(o) {
		d.pending = append(d.pending, o)
		return
	}
	d.integrate(o)
}

func (d *Doc) ready(o op) bool {
	switch o.Kind {
	case opInsert:
		return o.Origin.isRoot() || d.elems[o.Origin] != nil
	default:
		return d.elems[o.Target] != nil
	}
}

func (d *Doc) integrate(o op) {
	if o.Kind == opInsert {
		// deferred bound check for ops that arrived before their origin
		if n, _ := d.anchorLen(o.Origin, nil); o.Offset > n {
			return
		}
		d.integrateInsert(o)
		return
	}
	if n, _ := d.anchorLen(o.Target, nil); o.To > n {
		return
	}
	d.integrateDelete(o)
}

// drainPending retries buffered ops until a pass integrates nothing new.
func (d *Doc) drainPending() {
	for {
		var still []op
		progress := false
		for _, o := range d.pending {
			switch {
			case d.applied(o.ID):
			case d.ready(o):
				d.integrate(o)
				progress = true
			default:
				still = append(still, o)
			}
		}
		d.pending = still
		if !progress || len(still) == 0 {
			return
		}
	}
}
